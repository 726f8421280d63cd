package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Application is the set of modes main can dispatch to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunBatch(ctx context.Context) error
	RunVisualizeOnly(ctx context.Context) error
	RunService(ctx context.Context) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("plumefield", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&opts.SensorCSV, "sensor-csv", "", "Gas sensor log (timestamp, CO, CH4, NOx, LPG, temperature, humidity)")
	fs.StringVar(&opts.GPSCSV, "gps-csv", "", "GPS log (timestamp, latitude, longitude, altitude)")
	fs.StringVar(&opts.OutputDir, "output-dir", "", "Directory for the merged and anomaly tables (overrides config)")
	fs.StringVar(&opts.PlumeDir, "plume-dir", "", "Directory for per-pollutant plume artefacts (overrides config)")
	fs.StringVar(&opts.MergedCSV, "merged-csv", "", "Merged table for --visualize-only (default <output-dir>/merged_refined_data.csv)")
	fs.BoolVar(&opts.VisualizeOnly, "visualize-only", false, "Re-render plumes from an existing merged table and exit")
	fs.StringVar(&opts.OnRenderError, "on-render-error", "", "What to do when a pollutant fails to render: abort or continue")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Require MQTT publication of run results")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP upload service")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "plumefield version: %s\n", Version)
	app.ApplyOptions(opts)

	ctx := context.Background()
	switch {
	case opts.HttpMode:
		return app.RunService(ctx)
	case opts.VisualizeOnly:
		return app.RunVisualizeOnly(ctx)
	case opts.SensorCSV != "" || opts.GPSCSV != "":
		return app.RunBatch(ctx)
	}

	fmt.Fprintln(out, "Nothing to do.")
	fmt.Fprintln(out, "Use --sensor-csv=FILE --gps-csv=FILE to process a flight")
	fmt.Fprintln(out, "Use --visualize-only [--merged-csv=FILE] to re-render plumes from a merged table")
	fmt.Fprintln(out, "Use --http to run the upload service")
	fmt.Fprintln(out, "Use --mqtt with any mode to require MQTT publication")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - output directories, detector, grid and MQTT settings")
	fmt.Fprintln(out, "  MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD, MQTT_PUBLISH_PREFIX override the file")
	return nil
}
