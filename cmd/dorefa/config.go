package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/quantlab/dorefa/internal/logger"
)

// Config represents the dorefa configuration file (~/.config/dorefa/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	DataDir string `yaml:"data_dir"`

	// Training defaults
	Batch   *int64 `yaml:"batch"`
	Workers *int64 `yaml:"workers"`
	DoReFa  string `yaml:"dorefa"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Status server
	StatusAddress string `yaml:"status_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dorefa", "config.yaml")
}

// applyTrainConfig applies config file defaults to train command variables
// when the corresponding CLI flag was not explicitly set.
func applyTrainConfig(c *cli.Command, cfg Config,
	dataDir *string, batch, workers *int64, bits, statusAddr *string,
) {
	if cfg.DataDir != "" && !c.IsSet("data") {
		*dataDir = cfg.DataDir
	}
	if cfg.Batch != nil && !c.IsSet("batch") {
		*batch = *cfg.Batch
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
	if cfg.DoReFa != "" && !c.IsSet("dorefa") {
		*bits = cfg.DoReFa
	}
	if cfg.StatusAddress != "" && !c.IsSet("status-addr") {
		*statusAddr = cfg.StatusAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// newLogger builds the process logger from the config file's output settings.
func newLogger(cfg Config) logger.Logger {
	level := logger.ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}
