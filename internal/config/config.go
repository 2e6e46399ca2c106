// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then OTA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// Store backends.
const (
	StoreSQLCipher = "sqlcipher"
	StoreRedis     = "redis"
	StoreMemory    = "memory"
)

// Restart strategies for applying a staged bundle.
const (
	RestartReexec = "reexec"
	RestartSpawn  = "spawn"
	RestartNone   = "none"
)

// Config is the process configuration. The runtime-tunable update behaviour
// (check interval, auto download...) lives in the state store instead.
type Config struct {
	RuntimeVersion string `yaml:"runtimeVersion" env:"OTA_RUNTIME_VERSION"`
	Channel        string `yaml:"channel" env:"OTA_CHANNEL"`
	UpdateURL      string `yaml:"updateUrl" env:"OTA_UPDATE_URL"`
	Platform       string `yaml:"platform" env:"OTA_PLATFORM"`
	Enabled        bool   `yaml:"enabled" env:"OTA_ENABLED"`
	Development    bool   `yaml:"development" env:"OTA_DEVELOPMENT"`

	DataDir     string `yaml:"dataDir" env:"OTA_DATA_DIR"`
	Store       string `yaml:"store" env:"OTA_STORE"`
	StoreKey    string `yaml:"-" env:"OTA_STORE_KEY"`
	RedisAddr   string `yaml:"redisAddr" env:"OTA_REDIS_ADDR"`
	RedisPrefix string `yaml:"redisPrefix" env:"OTA_REDIS_PREFIX"`

	ListenAddr string `yaml:"listenAddr" env:"OTA_LISTEN_ADDR"`
	LogLevel   string `yaml:"logLevel" env:"OTA_LOG_LEVEL"`
	Restart    string `yaml:"restart" env:"OTA_RESTART"`

	CheckTimeout     time.Duration `yaml:"checkTimeout" env:"OTA_CHECK_TIMEOUT"`
	DownloadTimeout  time.Duration `yaml:"downloadTimeout" env:"OTA_DOWNLOAD_TIMEOUT"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout" env:"OTA_PROBE_TIMEOUT"`
	BlockadeTTL      time.Duration `yaml:"blockadeTtl" env:"OTA_BLOCKADE_TTL"`
	ReminderInterval time.Duration `yaml:"reminderInterval" env:"OTA_REMINDER_INTERVAL"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Channel:          "production",
		Platform:         runtime.GOOS,
		Enabled:          true,
		DataDir:          dataDir,
		Store:            StoreSQLCipher,
		RedisPrefix:      "otamgr:",
		ListenAddr:       "127.0.0.1:8477",
		LogLevel:         "info",
		Restart:          RestartReexec,
		CheckTimeout:     30 * time.Second,
		DownloadTimeout:  60 * time.Second,
		ProbeTimeout:     10 * time.Second,
		BlockadeTTL:      24 * time.Hour,
		ReminderInterval: time.Minute,
	}
}

// Load layers the YAML file at path (skipped when it does not exist) and the
// environment over base.
func Load(base Config, path string) (Config, error) {
	cfg := base
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown backends and strategies.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLCipher, StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("store redis requires redisAddr")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Restart {
	case RestartReexec, RestartSpawn, RestartNone:
	default:
		return fmt.Errorf("unknown restart strategy %q", c.Restart)
	}
	if c.DataDir == "" {
		return errors.New("dataDir is required")
	}
	return nil
}

// BuildInfo describes the running build to the manager.
func (c Config) BuildInfo(serviceVersion string) domain.BuildInfo {
	return domain.BuildInfo{
		RuntimeVersion: c.RuntimeVersion,
		Channel:        c.Channel,
		UpdateURL:      c.UpdateURL,
		Platform:       c.Platform,
		Enabled:        c.Enabled,
		Development:    c.Development,
		ServiceVersion: serviceVersion,
	}
}
