package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Data    DataConfig    `yaml:"data" json:"data" envPrefix:"DATA_"`
	Logging LoggingConfig `yaml:"logging" json:"logging" envPrefix:"LOG_"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing" envPrefix:"TRACING_"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"HOST"`
	Port         int           `yaml:"port" json:"port" env:"PORT"`
	GRPCPort     int           `yaml:"grpc_port" json:"grpc_port" env:"GRPC_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxBodySize  int64         `yaml:"max_body_size" json:"max_body_size" env:"MAX_BODY_SIZE"`
}

// DataConfig points at the storage file and the directory embedded backends
// keep their files in.
type DataConfig struct {
	Directory   string `yaml:"directory" json:"directory" env:"DIRECTORY"`
	StorageFile string `yaml:"storage_file" json:"storage_file" env:"STORAGE_FILE"`
	AppName     string `yaml:"app_name" json:"app_name" env:"APP_NAME"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" env:"LEVEL"`
	Format    string `yaml:"format" json:"format" env:"FORMAT"`
	Output    string `yaml:"output" json:"output" env:"OUTPUT"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxFiles  int    `yaml:"max_files" json:"max_files" env:"MAX_FILES"`
}

// TracingConfig selects where storage and RPC spans are exported.
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Exporter      string  `yaml:"exporter" json:"exporter" env:"EXPORTER"` // "otlp" or "console"
	OTLPEndpoint  string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SamplingRatio float64 `yaml:"sampling_ratio" json:"sampling_ratio" env:"SAMPLING_RATIO"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			GRPCPort:     9090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodySize:  1024 * 1024, // 1MB
		},
		Data: DataConfig{
			Directory:   "./data",
			StorageFile: "./data/storage.yml",
			AppName:     "kvdata",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			Output:    "stdout",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "otlp",
			OTLPEndpoint:  "http://localhost:4318",
			SamplingRatio: 1.0,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnvironment applies KVDATA_* overrides on top of file values.
// Unset variables leave the current value untouched.
func loadFromEnvironment(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: "KVDATA_"}); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.Port != 0 && c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("server port and gRPC port cannot be the same: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive")
	}

	// Data validation
	if c.Data.Directory == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.Data.StorageFile == "" {
		return fmt.Errorf("storage file cannot be empty")
	}
	if ext := strings.ToLower(filepath.Ext(c.Data.StorageFile)); ext != ".yml" && ext != ".yaml" {
		return fmt.Errorf("storage file must be a YAML file: %s", c.Data.StorageFile)
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Tracing validation
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "otlp":
			if c.Tracing.OTLPEndpoint == "" {
				return fmt.Errorf("otlp endpoint cannot be empty")
			}
		case "console":
		default:
			return fmt.Errorf("invalid tracing exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("sampling ratio must be between 0 and 1: %g", c.Tracing.SamplingRatio)
		}
	}

	return nil
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
