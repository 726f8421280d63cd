package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// buildBinary compiles the command into dir
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "plumefield-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestBatchWithBroker runs a full flight through the binary and publishes
// the result to a local broker
func TestBatchWithBroker(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	sensorPath, gpsPath := writeFlight(t, tmpDir)

	configYAML := `output:
  dir: "` + filepath.Join(tmpDir, "out") + `"
  plumeDir: "` + filepath.Join(tmpDir, "plumes") + `"
field:
  nx: 10
  ny: 10
  nz: 5
mqtt:
  broker: "mqtt://localhost:1883"
  publishPrefix: "plumefield-test"
  clientId: "plumefield-test"
`
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	binaryPath := buildBinary(t, tmpDir)

	tests := []struct {
		name           string
		args           []string
		expectInOutput []string
		expectFailure  bool
	}{
		{
			name: "batch publishes run",
			args: []string{"--mqtt", "--config=" + configPath, "--sensor-csv=" + sensorPath, "--gps-csv=" + gpsPath},
			expectInOutput: []string{
				"plumefield version:",
				"Loaded config from",
				"Connecting to MQTT broker",
				"Published run",
				"Anomalies: 1",
				"CO_refined:",
			},
		},
		{
			name: "missing config file",
			args: []string{"--mqtt", "--config=nonexistent.yaml", "--sensor-csv=" + sensorPath, "--gps-csv=" + gpsPath},
			expectInOutput: []string{
				"config file not found",
			},
			expectFailure: true,
		},
		{
			name: "missing gps log",
			args: []string{"--config=" + configPath, "--sensor-csv=" + sensorPath},
			expectInOutput: []string{
				"both --sensor-csv and --gps-csv are required",
			},
			expectFailure: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			output, err := cmd.CombinedOutput()
			outputStr := string(output)

			for _, expected := range tt.expectInOutput {
				if !strings.Contains(outputStr, expected) {
					t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s",
						expected, outputStr)
				}
			}

			if tt.expectFailure && err == nil {
				t.Error("Expected command to fail, but it succeeded")
			}
			if !tt.expectFailure && err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		})
	}
}

// TestServiceSignalHandling tests SIGINT handling of the HTTP service
func TestServiceSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	configYAML := `output:
  dir: "` + filepath.Join(tmpDir, "out") + `"
  plumeDir: "` + filepath.Join(tmpDir, "plumes") + `"
http:
  port: 18932
`
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}

	binaryPath := buildBinary(t, tmpDir)

	var output strings.Builder
	cmd := exec.Command(binaryPath, "--http", "--config="+configPath)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	// Give it time to start
	time.Sleep(2 * time.Second)

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Service exited with error: %v\n%s", err, output.String())
		}
		if !strings.Contains(output.String(), "Service stopped") {
			t.Errorf("Expected graceful shutdown message.\nFull output:\n%s", output.String())
		}
	case <-time.After(5 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}

// TestHelpFlag tests the --help output documents the modes
func TestHelpFlag(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	cmd := exec.Command("go", "run", ".", "--help")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if !strings.Contains(err.Error(), "exit status") {
			t.Fatalf("Failed to run --help: %v", err)
		}
	}

	outputStr := string(output)
	for _, flagName := range []string{"-sensor-csv", "-gps-csv", "-visualize-only", "-on-render-error", "-mqtt", "-http"} {
		if !strings.Contains(outputStr, flagName) {
			t.Errorf("Expected --help output to contain %s", flagName)
		}
	}
}
