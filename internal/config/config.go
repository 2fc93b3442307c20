package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvConfigPath    = "FIDELYA_CONFIG"
	EnvListenAddr    = "LISTEN_ADDR"
	EnvStorageDriver = "STORAGE_DRIVER"
	EnvQRSigningKey  = "QR_SIGNING_KEY"
)

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	ListenAddress string          `yaml:"listen"`
	Log           LogConfig       `yaml:"log"`
	Storage       StorageConfig   `yaml:"storage"`
	Engine        EngineConfig    `yaml:"engine"`
	QR            QRConfig        `yaml:"qr"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Sweeper       SweeperConfig   `yaml:"sweeper"`
	Stream        StreamConfig    `yaml:"stream"`
	Merchants     []MerchantSeed  `yaml:"merchants"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// StorageConfig selects the store. Postgres connection settings come from the
// DB_* environment variables read by pkg/db.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	BoltPath string `yaml:"bolt_path"`
	Migrate  bool   `yaml:"migrate"`
}

type EngineConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	MaxClockSkew   Duration `yaml:"max_clock_skew"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	NodeID         int64    `yaml:"node_id"`
}

type QRConfig struct {
	WebHost          string   `yaml:"web_host"`
	SigningKey       string   `yaml:"signing_key"`
	NonceTTL         Duration `yaml:"nonce_ttl"`
	RequireSignature bool     `yaml:"require_signature"`
	CacheTTL         Duration `yaml:"cache_ttl"`
}

// RateLimitConfig throttles POST /redemptions per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
	Disabled          bool    `yaml:"disabled"`
}

type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
	Disabled bool     `yaml:"disabled"`
}

type StreamConfig struct {
	Buffer int `yaml:"buffer"`
}

// MerchantSeed is upserted into the merchant directory at startup.
type MerchantSeed struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"`
}

func (m MerchantSeed) IsActive() bool {
	return m.Active == nil || *m.Active
}

// Load reads configuration from path. An empty path yields the defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv(EnvStorageDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv(EnvQRSigningKey); v != "" {
		cfg.QR.SigningKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Driver == DriverBolt && cfg.Storage.BoltPath == "" {
		cfg.Storage.BoltPath = "fidelya.db"
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 5
	}
	if cfg.Engine.RetryBackoff.Duration == 0 {
		cfg.Engine.RetryBackoff.Duration = 5 * time.Millisecond
	}
	if cfg.Engine.MaxClockSkew.Duration == 0 {
		cfg.Engine.MaxClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Engine.AttemptTimeout.Duration == 0 {
		cfg.Engine.AttemptTimeout.Duration = 3 * time.Second
	}
	if cfg.QR.WebHost == "" {
		cfg.QR.WebHost = "fidelya.app"
	}
	if cfg.QR.CacheTTL.Duration == 0 {
		cfg.QR.CacheTTL.Duration = time.Minute
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Sweeper.Interval.Duration == 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.Stream.Buffer == 0 {
		cfg.Stream.Buffer = 64
	}
}

func validate(cfg Config) error {
	switch cfg.Storage.Driver {
	case DriverMemory, DriverBolt, DriverPostgres:
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, bolt, postgres", cfg.Storage.Driver)
	}
	if cfg.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if cfg.Engine.MaxClockSkew.Duration < 0 {
		return fmt.Errorf("engine.max_clock_skew must not be negative")
	}
	if cfg.Engine.NodeID < 0 || cfg.Engine.NodeID > 1023 {
		return fmt.Errorf("engine.node_id must be in [0, 1023]")
	}
	if cfg.QR.RequireSignature && cfg.QR.SigningKey == "" {
		return fmt.Errorf("qr.require_signature needs qr.signing_key or %s", EnvQRSigningKey)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	seen := make(map[string]bool, len(cfg.Merchants))
	for _, m := range cfg.Merchants {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("merchants: id is required")
		}
		if seen[m.ID] {
			return fmt.Errorf("merchants: duplicate id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}
