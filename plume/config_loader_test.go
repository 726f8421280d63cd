package plume

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Fusion.Tolerance())
	assert.Equal(t, 0.05, cfg.Detector.Contamination)
	assert.Equal(t, int64(42), cfg.Detector.Seed)
	assert.Equal(t, [3]int{50, 50, 25}, [3]int{cfg.Field.NX, cfg.Field.NY, cfg.Field.NZ})
	assert.Equal(t, 0.7, cfg.Field.Sigma)
	assert.Equal(t, RenderAbort, cfg.Render.OnError)
	assert.Equal(t, "static/final_plumes", cfg.Output.PlumeDir)
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
output:
  dir: out
fusion:
  toleranceSeconds: 2.5
field:
  nx: 10
render:
  onError: continue
mqtt:
  broker: tcp://broker:1883
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.Output.Dir)
	assert.Equal(t, "static/final_plumes", cfg.Output.PlumeDir, "unset keys keep their defaults")
	assert.Equal(t, 2500*time.Millisecond, cfg.Fusion.Tolerance())
	assert.Equal(t, 10, cfg.Field.NX)
	assert.Equal(t, 50, cfg.Field.NY)
	assert.Equal(t, RenderContinue, cfg.Render.OnError)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "plumefield", cfg.MQTT.PublishPrefix)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("field: [unclosed"), 0644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("detector:\n  contamination: 0.9\n"), 0644))
	_, err = LoadConfig(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector.contamination")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no output dir", func(c *Config) { c.Output.Dir = "" }, "output.dir"},
		{"no plume dir", func(c *Config) { c.Output.PlumeDir = "" }, "output.plumeDir"},
		{"negative tolerance", func(c *Config) { c.Fusion.ToleranceSeconds = -1 }, "fusion.toleranceSeconds"},
		{"no trees", func(c *Config) { c.Detector.Trees = 0 }, "detector.trees"},
		{"tiny subsample", func(c *Config) { c.Detector.MaxSamples = 1 }, "detector.maxSamples"},
		{"zero contamination", func(c *Config) { c.Detector.Contamination = 0 }, "detector.contamination"},
		{"empty grid", func(c *Config) { c.Field.NZ = 0 }, "field grid"},
		{"negative sigma", func(c *Config) { c.Field.Sigma = -0.1 }, "field.sigma"},
		{"zero epsilon", func(c *Config) { c.Field.Epsilon = 0 }, "field.epsilon"},
		{"unknown policy", func(c *Config) { c.Render.OnError = "retry" }, "render.onError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_CLIENT_ID", "drone-1")
	t.Setenv("MQTT_USERNAME", "user")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker)
	assert.Equal(t, "drone-1", cfg.MQTT.ClientID)
	assert.Equal(t, "user", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "plumefield", cfg.MQTT.PublishPrefix, "empty variables do not override")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Field.Workers = 3
	cfg.Render.PNG = false

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
