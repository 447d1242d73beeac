// Package config carga la configuración de keywarden desde YAML con
// overrides por env. Cada duración es string parseable por time.ParseDuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		// fs | postgres | memory
		Driver string `yaml:"driver"`
		FS     struct {
			Dir string `yaml:"dir"`
		} `yaml:"fs"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	JWKS struct {
		// Issuer por defecto del endpoint well-known.
		DefaultIssuer string `yaml:"default_issuer"`
		// TTL asumido de cache downstream. Mínimo antes de asumir que un peer
		// vio una clave nueva.
		TTL string `yaml:"ttl"`
	} `yaml:"jwks"`

	Rotation struct {
		PropagationWindow string  `yaml:"propagation_window"`
		PollInterval      string  `yaml:"poll_interval"`
		MaxPolls          int     `yaml:"max_polls"`
		MonitorWindow     string  `yaml:"monitor_window"`
		FailureThreshold  float64 `yaml:"failure_threshold"`
		MarkerGrace       string  `yaml:"marker_grace"`
		KeyTTL            string  `yaml:"key_ttl"`
	} `yaml:"rotation"`

	Revocation struct {
		SLA         string `yaml:"sla"`
		StepTimeout string `yaml:"step_timeout"`
		StrictWait  bool   `yaml:"strict_wait"`
	} `yaml:"revocation"`

	Flush struct {
		// redis | nop
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"flush"`
}

// Load lee el YAML (si path existe), aplica defaults y overrides de env.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// sane defaults
	setDefault(&cfg.App.Env, "dev")
	setDefault(&cfg.App.LogLevel, "info")
	setDefault(&cfg.Server.Addr, ":8088")
	setDefault(&cfg.Storage.Driver, "fs")
	setDefault(&cfg.Storage.FS.Dir, "./data/keywarden")
	setDefault(&cfg.JWKS.TTL, "5m")
	setDefault(&cfg.Rotation.PollInterval, "2s")
	if cfg.Rotation.MaxPolls == 0 {
		cfg.Rotation.MaxPolls = 5
	}
	setDefault(&cfg.Rotation.MonitorWindow, "15m")
	if cfg.Rotation.FailureThreshold == 0 {
		cfg.Rotation.FailureThreshold = 0.05
	}
	setDefault(&cfg.Rotation.MarkerGrace, "30m")
	setDefault(&cfg.Rotation.KeyTTL, "720h")
	setDefault(&cfg.Revocation.SLA, "5m")
	setDefault(&cfg.Revocation.StepTimeout, "30s")
	setDefault(&cfg.Flush.Kind, "nop")

	// overrides por env
	envOverride(&cfg.App.Env, "KEYWARDEN_ENV")
	envOverride(&cfg.App.LogLevel, "KEYWARDEN_LOG_LEVEL")
	envOverride(&cfg.Server.Addr, "KEYWARDEN_ADDR")
	envOverride(&cfg.Storage.Driver, "KEYWARDEN_STORAGE_DRIVER")
	envOverride(&cfg.Storage.FS.Dir, "KEYWARDEN_FS_DIR")
	envOverride(&cfg.Storage.Postgres.DSN, "KEYWARDEN_PG_DSN")
	envOverride(&cfg.Flush.Kind, "KEYWARDEN_FLUSH_KIND")
	envOverride(&cfg.Flush.Redis.Addr, "KEYWARDEN_REDIS_ADDR")
	if v := os.Getenv("KEYWARDEN_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Flush.Redis.DB = n
		}
	}

	if err := validateDurations(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateDurations rechaza duraciones mal escritas al cargar: un typo en una
// ventana de propagación no puede degradar en silencio a un default.
func validateDurations(cfg *Config) error {
	fields := []struct{ name, val string }{
		{"jwks.ttl", cfg.JWKS.TTL},
		{"rotation.propagation_window", cfg.Rotation.PropagationWindow},
		{"rotation.poll_interval", cfg.Rotation.PollInterval},
		{"rotation.monitor_window", cfg.Rotation.MonitorWindow},
		{"rotation.marker_grace", cfg.Rotation.MarkerGrace},
		{"rotation.key_ttl", cfg.Rotation.KeyTTL},
		{"revocation.sla", cfg.Revocation.SLA},
		{"revocation.step_timeout", cfg.Revocation.StepTimeout},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		if _, err := time.ParseDuration(f.val); err != nil {
			return fmt.Errorf("config: %s: %w", f.name, err)
		}
	}
	return nil
}

// Dur parsea una duración con fallback. Los valores que pasan por Load ya
// están validados; el fallback cubre el string vacío (= usar default).
func Dur(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func setDefault(field *string, val string) {
	if *field == "" {
		*field = val
	}
}

func envOverride(field *string, key string) {
	if v := os.Getenv(key); v != "" {
		*field = v
	}
}
