package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/plumefield/plume"
)

// defaultConfigFile is used when --config is not given. Unlike an explicit
// path, it may be missing.
const defaultConfigFile = "config.yaml"

// lastRunCache is the state cache file inside the output directory
const lastRunCache = ".last-run.json"

// AppOptions are the parsed command line options
type AppOptions struct {
	ConfigFile    string
	SensorCSV     string
	GPSCSV        string
	OutputDir     string
	PlumeDir      string
	MergedCSV     string
	OnRenderError string
	HttpPort      int
	VisualizeOnly bool
	MqttMode      bool
	HttpMode      bool
}

// App encapsulates the application state and dependencies
type App struct {
	Config       *plume.Config
	Pipeline     *plume.Pipeline
	StateTracker *plume.StateTracker
	Metrics      *plume.Metrics
	MQTTClient   mqtt.Client
	Publisher    *plume.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	SensorCSV     string
	GPSCSV        string
	OutputDir     string
	PlumeDir      string
	MergedCSV     string
	OnRenderError string
	HttpPort      int
	VisualizeOnly bool
	MqttMode      bool
	HttpMode      bool

	out io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: plume.NewStateTracker(),
		Metrics:      plume.NewMetrics("plumefield"),
		out:          os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SensorCSV = opts.SensorCSV
	a.GPSCSV = opts.GPSCSV
	a.OutputDir = opts.OutputDir
	a.PlumeDir = opts.PlumeDir
	a.MergedCSV = opts.MergedCSV
	a.OnRenderError = opts.OnRenderError
	a.HttpPort = opts.HttpPort
	a.VisualizeOnly = opts.VisualizeOnly
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// LoadConfig resolves the configuration: file (or defaults), then
// environment, then command line overrides
func (a *App) LoadConfig() error {
	var config *plume.Config

	path := a.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		loaded, err := plume.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		config = loaded
		log.Printf("Loaded config from %s", path)
	case errors.Is(statErr, os.ErrNotExist) && path == defaultConfigFile:
		config = plume.DefaultConfig()
		log.Printf("No %s found, using defaults", defaultConfigFile)
	default:
		return fmt.Errorf("config file not found: %s", path)
	}

	config.ApplyEnv()

	if a.OutputDir != "" {
		config.Output.Dir = a.OutputDir
	}
	if a.PlumeDir != "" {
		config.Output.PlumeDir = a.PlumeDir
	}
	if a.OnRenderError != "" {
		config.Render.OnError = plume.RenderErrorPolicy(a.OnRenderError)
	}
	if a.HttpPort > 0 {
		config.HTTP.Port = a.HttpPort
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.Config = config
	return nil
}

// BuildPipeline wires the pipeline to the app's metrics, state and publisher
func (a *App) BuildPipeline() *plume.Pipeline {
	p := plume.NewPipeline(a.Config)
	p.Metrics = a.Metrics
	p.State = a.StateTracker
	p.Publisher = a.Publisher
	a.Pipeline = p
	return p
}

// ConnectMQTT sets up publishing. With --mqtt a broker is required and a
// failed connection is an error; otherwise a configured broker is used
// when reachable and skipped with a warning when not.
func (a *App) ConnectMQTT() error {
	client := plume.NewMQTTClient(a.Config.MQTT)
	if client == nil {
		if a.MqttMode {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		return nil
	}

	if err := plume.ConnectMQTT(client, 10*time.Second); err != nil {
		if a.MqttMode {
			return err
		}
		log.Printf("Warning: %v; results will not be published", err)
		return nil
	}

	a.MQTTClient = client
	a.Publisher = plume.NewPublisher(client, a.Config.MQTT.PublishPrefix)
	return nil
}

func (a *App) disconnectMQTT() {
	if a.MQTTClient != nil && a.MQTTClient.IsConnected() {
		a.MQTTClient.Disconnect(250)
	}
}

// RunBatch runs the full pipeline over --sensor-csv and --gps-csv
func (a *App) RunBatch(ctx context.Context) error {
	if a.SensorCSV == "" || a.GPSCSV == "" {
		return fmt.Errorf("both --sensor-csv and --gps-csv are required")
	}
	if err := a.LoadConfig(); err != nil {
		return err
	}
	if err := a.ConnectMQTT(); err != nil {
		return err
	}
	defer a.disconnectMQTT()

	result, err := a.BuildPipeline().Run(ctx, a.SensorCSV, a.GPSCSV)
	if err != nil {
		return err
	}
	a.printResult(result)
	return nil
}

// RunVisualizeOnly re-renders the artefacts from an existing merged table
func (a *App) RunVisualizeOnly(ctx context.Context) error {
	if err := a.LoadConfig(); err != nil {
		return err
	}
	merged := a.MergedCSV
	if merged == "" {
		merged = filepath.Join(a.Config.Output.Dir, plume.MergedFileName)
	}
	if err := a.ConnectMQTT(); err != nil {
		return err
	}
	defer a.disconnectMQTT()

	result, err := a.BuildPipeline().RunVisualizeOnly(ctx, merged)
	if err != nil {
		return err
	}
	a.printResult(result)
	return nil
}

func (a *App) printResult(r *plume.RunResult) {
	fmt.Fprintf(a.out, "\nRun %s (%s) in %v\n", r.RunID, r.Status(), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(a.out, "  Rows: %d (dropped %d)\n", r.Rows, r.Dropped)
	fmt.Fprintf(a.out, "  Anomalies: %d\n", r.Anomalies)
	if r.Merge != nil {
		fmt.Fprintf(a.out, "  Merged table: %s\n", r.Merge.MergedPath)
		fmt.Fprintf(a.out, "  Anomaly table: %s\n", r.Merge.AnomaliesPath)
		if r.Merge.GeoJSONPath != "" {
			fmt.Fprintf(a.out, "  Samples: %s\n", r.Merge.GeoJSONPath)
		}
	}
	if len(r.Pollutants) > 0 {
		fmt.Fprintln(a.out, "  Plumes:")
		for _, id := range r.Pollutants {
			art := r.Artifacts[id]
			fmt.Fprintf(a.out, "    %s: %s\n", id, art.HTML)
		}
	}
	for _, err := range r.Failures {
		fmt.Fprintf(a.out, "  Failed: %v\n", err)
	}
}

// RunService serves uploads over HTTP until ctx is cancelled or the process
// receives SIGINT/SIGTERM
func (a *App) RunService(ctx context.Context) error {
	fmt.Fprintln(a.out, "Starting plumefield service...")

	if err := a.LoadConfig(); err != nil {
		return err
	}

	cachePath := filepath.Join(a.Config.Output.Dir, lastRunCache)
	a.StateTracker = plume.NewStateTrackerWithCache(cachePath)
	if a.StateTracker.LastRun() != nil {
		log.Printf("Loaded last run from %s", cachePath)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MqttMode {
		client := plume.NewMQTTClient(a.Config.MQTT)
		if client == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = plume.NewPublisher(client, a.Config.MQTT.PublishPrefix)
		go plume.ConnectWithRetry(client, ctx.Done())
	}
	defer a.disconnectMQTT()

	pipeline := a.BuildPipeline()

	addr := fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPServer(pipeline, a.StateTracker, a.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.printEndpoints()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(a.out, "\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	fmt.Fprintln(a.out, "Service stopped")
	return nil
}

func (a *App) printEndpoints() {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MqttMode {
		prefix := a.Config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "plumefield"
		}
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Run summaries: %s/summary\n", prefix)
		fmt.Fprintf(a.out, "  Anomalies:     %s/anomalies\n", prefix)
	}

	fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
	fmt.Fprintln(a.out, "  GET  /               - Upload form")
	fmt.Fprintln(a.out, "  POST /upload         - Process a sensor log and a GPS log (field \"csvs\")")
	fmt.Fprintln(a.out, "  GET  /plumes/{file}  - Rendered plume artefacts")
	fmt.Fprintln(a.out, "  GET  /health         - Health check")
	fmt.Fprintln(a.out, "  GET  /api/last-run   - Most recent run summary")
	fmt.Fprintln(a.out, "  GET  /api/runs       - Recent run summaries")
	fmt.Fprintln(a.out, "  GET  /metrics        - Prometheus metrics")
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}
