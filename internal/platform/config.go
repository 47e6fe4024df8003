package platform

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/tillage/pkg/core"
)

// ConfigFile is the name of the configuration file looked up in a project root.
const ConfigFile = "tillage.yaml"

// Storage drivers.
const (
	DriverFS       = "fs"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the file form of the tillage configuration.
//
//	storage:
//	  driver: fs
//	  path: ./data
//	models:
//	  widget:
//	    service: default
//	    rules:
//	      name: required
//	events:
//	  kafka:
//	    brokers: [localhost:9092]
//	    topic: entities
type Config struct {
	Storage   StorageConfig          `yaml:"storage" mapstructure:"storage"`
	Models    map[string]ModelConfig `yaml:"models" mapstructure:"models"`
	Events    EventsConfig           `yaml:"events" mapstructure:"events"`
	Telemetry TelemetryConfig        `yaml:"telemetry" mapstructure:"telemetry"`
}

// StorageConfig selects and configures the repository backend.
type StorageConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the root directory of the fs driver.
	Path string `yaml:"path" mapstructure:"path"`
	// DSN is the connection string of the sql drivers.
	DSN       string `yaml:"dsn" mapstructure:"dsn"`
	Format    string `yaml:"format" mapstructure:"format"`
	SystemDir string `yaml:"system_dir" mapstructure:"system_dir"`
	// Versioning is nil when it should be detected from the directory.
	Versioning *bool `yaml:"versioning" mapstructure:"versioning"`
	ReadOnly   bool  `yaml:"read_only" mapstructure:"read_only"`
	Strict     bool  `yaml:"strict" mapstructure:"strict"`
}

// ModelConfig binds a model to a named service and adds rules to it.
type ModelConfig struct {
	Service string            `yaml:"service" mapstructure:"service"`
	Rules   map[string]string `yaml:"rules" mapstructure:"rules"`
}

// EventsConfig configures where entity events go besides the in-process bus.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig enables the Kafka publisher when Brokers is not empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// TelemetryConfig names the metrics namespace.
type TelemetryConfig struct {
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// DefaultConfig returns a configuration storing entities as files in the
// current directory.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Driver:    DriverFS,
			Path:      ".",
			Format:    ".yaml",
			SystemDir: ".tillage",
		},
		Models:    map[string]ModelConfig{},
		Telemetry: TelemetryConfig{Namespace: "tillage"},
	}
}

// LoadConfig reads a YAML configuration file. Missing values keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration document.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be wired.
func (c Config) Validate() error {
	driver := strings.ToLower(c.Storage.Driver)
	if !slices.Contains([]string{DriverFS, DriverMemory, DriverSQLite, DriverPostgres, "pgx"}, driver) {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if (driver == DriverSQLite || driver == DriverPostgres || driver == "pgx") && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %s requires a dsn", driver)
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		return fmt.Errorf("kafka publisher requires a topic")
	}
	for name := range c.Models {
		if name == "" {
			return fmt.Errorf("model with empty name")
		}
	}
	return nil
}

// Bindings returns the model → service pairs of the configuration. Models
// without an explicit service use the default one.
func (c Config) Bindings() map[string]string {
	out := make(map[string]string, len(c.Models))
	for name, m := range c.Models {
		out[name] = m.Service
	}
	return out
}

// Rules returns the configured rules per model.
func (c Config) Rules() map[string]core.Rules {
	out := make(map[string]core.Rules, len(c.Models))
	for name, m := range c.Models {
		if len(m.Rules) > 0 {
			out[name] = core.Rules(m.Rules)
		}
	}
	return out
}
