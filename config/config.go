package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ishakdeveloper/new-stack-sub000/broker"
	"github.com/ishakdeveloper/new-stack-sub000/errors"
	"github.com/ishakdeveloper/new-stack-sub000/gateway"
)

// LoggingConfig controls the process logger
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the complete gateway process configuration
type Config struct {
	Gateway gateway.ServerConfig `json:"gateway" yaml:"gateway"`
	Broker  broker.Config        `json:"broker" yaml:"broker"`
	Logging LoggingConfig        `json:"logging" yaml:"logging"`
}

// Default returns the configuration a gateway runs with when no file is given
func Default() *Config {
	return &Config{
		Gateway: gateway.DefaultServerConfig(),
		Broker:  broker.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Loader reads configuration from a file with environment overrides
type Loader struct {
	envPrefix string
}

// NewLoader creates a configuration loader using the GATEWAY env prefix
func NewLoader() *Loader {
	return &Loader{envPrefix: "GATEWAY"}
}

// Load reads the file at path, layered over defaults, then applies
// environment overrides and validates. An empty path loads defaults and
// environment only. JSON and YAML are selected by extension.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "read file")
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "Loader", "Load", "parse yaml")
			}
		case ".json":
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "Loader", "Load", "parse json")
			}
		default:
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: unsupported config extension %q", errors.ErrInvalidConfig, filepath.Ext(path)),
				"Loader", "Load", "detect format")
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_ADDR"); val != "" {
		cfg.Gateway.Addr = val
	}
	if val := os.Getenv(l.envPrefix + "_PATH"); val != "" {
		cfg.Gateway.Path = val
	}
	if val := os.Getenv(l.envPrefix + "_HEARTBEAT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Gateway.HeartbeatInterval = d
		}
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URL"); val != "" {
		cfg.Broker.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// Validate checks the configuration for values the process cannot run with
func (c *Config) Validate() error {
	if c.Gateway.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "check gateway addr")
	}
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return errors.WrapInvalid(
			fmt.Errorf("gateway path %q must start with /", c.Gateway.Path),
			"Config", "Validate", "check gateway path")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("heartbeat interval must be positive, got %v", c.Gateway.HeartbeatInterval),
			"Config", "Validate", "check heartbeat interval")
	}
	if c.Gateway.SendQueueSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("send queue size must be positive, got %d", c.Gateway.SendQueueSize),
			"Config", "Validate", "check send queue")
	}
	if c.Broker.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "check broker url")
	}
	for _, queue := range c.Broker.ConsumeQueues {
		if queue != broker.AuthQueue && queue != broker.WSQueue {
			return errors.WrapInvalid(
				fmt.Errorf("unknown consume queue %q", queue),
				"Config", "Validate", "check consume queues")
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses the configured level into a slog level
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.WrapInvalid(
			fmt.Errorf("unknown log level %q", c.Logging.Level),
			"Config", "LogLevel", "parse level")
	}
}

// Logger builds the process logger from the logging section
func (c *Config) Logger() *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(c.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
