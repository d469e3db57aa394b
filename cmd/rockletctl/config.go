package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/aalhour/rocklet"
	"github.com/aalhour/rocklet/internal/compression"
	"github.com/aalhour/rocklet/internal/logging"
)

// Environment variables read after the config file. A .env file in the
// working directory (or the one named by -env) is loaded first; variables
// already set in the process environment win over it.
const (
	envDB          = "ROCKLET_DB"
	envCompression = "ROCKLET_COMPRESSION"
	envSyncWrites  = "ROCKLET_SYNC_WRITES"
	envLogLevel    = "ROCKLET_LOG_LEVEL"
)

// config is the rockletctl configuration file:
//
//	db: /var/lib/rocklet
//	log_level: info
//	options:
//	  compression: zstd
//	  memtable_byte_limit: 8388608
type config struct {
	DB       string          `yaml:"db"`
	LogLevel logging.Level   `yaml:"log_level"`
	Options  rocklet.Options `yaml:"options"`
}

func defaultConfig() *config {
	return &config{
		LogLevel: logging.LevelWarn,
		Options:  *rocklet.DefaultOptions(),
	}
}

// loadConfig layers the config file, the dotenv file and the process
// environment over the defaults.
func loadConfig(configPath, envPath string) (*config, error) {
	cfg := defaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) applyEnv() error {
	if v, ok := os.LookupEnv(envDB); ok {
		c.DB = v
	}
	if v, ok := os.LookupEnv(envCompression); ok {
		t, err := compression.ParseType(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envCompression, err)
		}
		c.Options.Compression = t
	}
	if v, ok := os.LookupEnv(envSyncWrites); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envSyncWrites, err)
		}
		c.Options.SyncWrites = b
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		lvl, err := logging.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envLogLevel, err)
		}
		c.LogLevel = lvl
	}
	return nil
}
