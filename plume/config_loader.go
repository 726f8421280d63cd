package plume

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RenderErrorPolicy decides what happens when one pollutant fails to render
type RenderErrorPolicy string

const (
	// RenderAbort stops the whole run on the first failing pollutant
	RenderAbort RenderErrorPolicy = "abort"
	// RenderContinue renders the remaining pollutants and reports partial success
	RenderContinue RenderErrorPolicy = "continue"
)

// Config is the full configuration file
type Config struct {
	Output   OutputConfig   `yaml:"output" json:"output"`
	Fusion   FusionConfig   `yaml:"fusion" json:"fusion"`
	Detector DetectorConfig `yaml:"detector" json:"detector"`
	Field    FieldConfig    `yaml:"field" json:"field"`
	Render   RenderConfig   `yaml:"render" json:"render"`
	MQTT     MQTTConfig     `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP     HTTPConfig     `yaml:"http,omitempty" json:"http,omitempty"`
}

// OutputConfig holds the directories outputs are written to
type OutputConfig struct {
	Dir      string `yaml:"dir" json:"dir"`           // merged_refined_data.csv, anomalies.csv
	PlumeDir string `yaml:"plumeDir" json:"plumeDir"` // per-pollutant artefacts
	GeoJSON  bool   `yaml:"geojson" json:"geojson"`   // also write samples.geojson
}

// FusionConfig controls the GPS join
type FusionConfig struct {
	ToleranceSeconds float64 `yaml:"toleranceSeconds" json:"toleranceSeconds"`
}

// Tolerance returns the join window as a duration
func (f FusionConfig) Tolerance() time.Duration {
	return time.Duration(f.ToleranceSeconds * float64(time.Second))
}

// DetectorConfig holds the isolation forest parameters
type DetectorConfig struct {
	Trees         int     `yaml:"trees" json:"trees"`
	MaxSamples    int     `yaml:"maxSamples" json:"maxSamples"`
	Contamination float64 `yaml:"contamination" json:"contamination"`
	Seed          int64   `yaml:"seed" json:"seed"`
}

// FieldConfig holds the reconstruction grid and smoothing parameters
type FieldConfig struct {
	NX      int     `yaml:"nx" json:"nx"`
	NY      int     `yaml:"ny" json:"ny"`
	NZ      int     `yaml:"nz" json:"nz"`
	Sigma   float64 `yaml:"sigma" json:"sigma"`
	Epsilon float64 `yaml:"epsilon" json:"epsilon"`
	Workers int     `yaml:"workers,omitempty" json:"workers,omitempty"` // 0 = one per core
}

// RenderConfig controls the artefacts written per pollutant
type RenderConfig struct {
	OnError RenderErrorPolicy `yaml:"onError" json:"onError"`
	PNG     bool              `yaml:"png" json:"png"`
	// PNGScale is the preview size in pixels per grid cell
	PNGScale int `yaml:"pngScale,omitempty" json:"pngScale,omitempty"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the upload service settings
type HTTPConfig struct {
	Port           int   `yaml:"port" json:"port"`
	MaxUploadBytes int64 `yaml:"maxUploadBytes" json:"maxUploadBytes"`
}

// DefaultConfig returns the reference parameters
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			Dir:      "analysis_output",
			PlumeDir: "static/final_plumes",
			GeoJSON:  true,
		},
		Fusion: FusionConfig{ToleranceSeconds: 5},
		Detector: DetectorConfig{
			Trees:         100,
			MaxSamples:    256,
			Contamination: 0.05,
			Seed:          42,
		},
		Field: FieldConfig{
			NX:      50,
			NY:      50,
			NZ:      25,
			Sigma:   0.7,
			Epsilon: 1e-9,
		},
		Render: RenderConfig{
			OnError:  RenderAbort,
			PNG:      true,
			PNGScale: 8,
		},
		MQTT: MQTTConfig{PublishPrefix: "plumefield"},
		HTTP: HTTPConfig{
			Port:           8080,
			MaxUploadBytes: 50 * 1024 * 1024,
		},
	}
}

// LoadConfig loads a YAML file on top of DefaultConfig and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks parameter ranges
func (c *Config) Validate() error {
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Output.PlumeDir == "" {
		return fmt.Errorf("output.plumeDir is required")
	}
	if c.Fusion.ToleranceSeconds < 0 {
		return fmt.Errorf("fusion.toleranceSeconds must be >= 0, got %g", c.Fusion.ToleranceSeconds)
	}
	if c.Detector.Trees < 1 {
		return fmt.Errorf("detector.trees must be >= 1, got %d", c.Detector.Trees)
	}
	if c.Detector.MaxSamples < MinSamples {
		return fmt.Errorf("detector.maxSamples must be >= %d, got %d", MinSamples, c.Detector.MaxSamples)
	}
	if c.Detector.Contamination <= 0 || c.Detector.Contamination > 0.5 {
		return fmt.Errorf("detector.contamination must be in (0, 0.5], got %g", c.Detector.Contamination)
	}
	if c.Field.NX < 1 || c.Field.NY < 1 || c.Field.NZ < 1 {
		return fmt.Errorf("field grid must be at least 1x1x1, got %dx%dx%d", c.Field.NX, c.Field.NY, c.Field.NZ)
	}
	if c.Field.Sigma < 0 {
		return fmt.Errorf("field.sigma must be >= 0, got %g", c.Field.Sigma)
	}
	if c.Field.Epsilon <= 0 {
		return fmt.Errorf("field.epsilon must be > 0, got %g", c.Field.Epsilon)
	}
	switch c.Render.OnError {
	case RenderAbort, RenderContinue:
	default:
		return fmt.Errorf("render.onError must be %q or %q, got %q", RenderAbort, RenderContinue, c.Render.OnError)
	}
	return nil
}

// ApplyEnv overrides MQTT settings from the environment, like the service
// deployment expects (MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME,
// MQTT_PASSWORD, MQTT_PUBLISH_PREFIX).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
