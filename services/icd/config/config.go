package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"icreserve/native/emergency"
	"icreserve/native/kyc"
	"icreserve/observability/logging"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations supplied as TOML strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for icd.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	DatabasePath  string             `yaml:"database" toml:"database"`
	StateDir      string             `yaml:"state_dir" toml:"state_dir"`
	Issuance      IssuanceConfig     `yaml:"issuance" toml:"issuance"`
	Oracle        OracleConfig       `yaml:"oracle" toml:"oracle"`
	Sources       []Source           `yaml:"sources" toml:"sources"`
	Emergency     EmergencyConfig    `yaml:"emergency" toml:"emergency"`
	KYC           kyc.Config         `yaml:"kyc" toml:"kyc"`
	Auth          AuthConfig         `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	Idempotency   IdempotencyConfig  `yaml:"idempotency" toml:"idempotency"`
	Log           logging.FileConfig `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// IssuanceConfig names the identities and assets of the issuance engine.
type IssuanceConfig struct {
	Controller      string `yaml:"controller" toml:"controller"`
	Vault           string `yaml:"vault" toml:"vault"`
	Currency        string `yaml:"currency" toml:"currency"`
	AssetA          string `yaml:"asset_a" toml:"asset_a"`
	AssetB          string `yaml:"asset_b" toml:"asset_b"`
	RatioABps       uint64 `yaml:"ratio_a_bps" toml:"ratio_a_bps"`
	RatioBBps       uint64 `yaml:"ratio_b_bps" toml:"ratio_b_bps"`
	DeliverReserves bool   `yaml:"deliver_reserves" toml:"deliver_reserves"`
}

// OracleConfig tunes the aggregation loop and the staleness guard.
type OracleConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	MaxAge   Duration `yaml:"max_age" toml:"max_age"`
	MinFeeds int      `yaml:"min_feeds" toml:"min_feeds"`
	Decimals uint8    `yaml:"decimals" toml:"decimals"`
	Updater  string   `yaml:"updater" toml:"updater"`
}

// Source describes an upstream price feed.
type Source struct {
	Name          string            `yaml:"name" toml:"name"`
	Type          string            `yaml:"type" toml:"type"`
	Endpoint      string            `yaml:"endpoint" toml:"endpoint"`
	APIKey        string            `yaml:"api_key" toml:"api_key"`
	Assets        map[string]string `yaml:"assets" toml:"assets"`
	RatePerSecond float64           `yaml:"rate_per_second" toml:"rate_per_second"`
}

// EmergencyConfig holds the multisig signer set.
type EmergencyConfig struct {
	Signers  []string `yaml:"signers" toml:"signers"`
	Required int      `yaml:"required" toml:"required"`
	TTL      Duration `yaml:"action_ttl" toml:"action_ttl"`
}

// Control converts the settings into the emergency package configuration.
func (e EmergencyConfig) Control() emergency.Config {
	return emergency.Config{Signers: append([]string(nil), e.Signers...), Required: e.Required, TTL: e.TTL.Duration}
}

// AuthConfig configures bearer token verification for admin routes. The HMAC
// secret is read from the environment variable named by SecretEnv.
type AuthConfig struct {
	SecretEnv string `yaml:"secret_env" toml:"secret_env"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// IdempotencyConfig controls replay of retried mutations.
type IdempotencyConfig struct {
	Path string   `yaml:"path" toml:"path"`
	TTL  Duration `yaml:"ttl" toml:"ttl"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/icd/oracle.sqlite"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/data/icd/state"
	}
	if cfg.Issuance.Currency == "" {
		cfg.Issuance.Currency = "IC"
	}
	if cfg.Issuance.RatioABps == 0 && cfg.Issuance.RatioBBps == 0 {
		cfg.Issuance.RatioABps = 4000
		cfg.Issuance.RatioBBps = 6000
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Oracle.Decimals == 0 {
		cfg.Oracle.Decimals = 8
	}
	if cfg.Oracle.Updater == "" {
		cfg.Oracle.Updater = "icd-oracle"
	}
	if cfg.Emergency.Required == 0 {
		cfg.Emergency.Required = emergency.MinRequiredSigners
	}
	if cfg.Emergency.TTL.Duration == 0 {
		cfg.Emergency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "ICD_JWT_SECRET"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = "/var/data/icd/idempotency.db"
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].RatePerSecond == 0 {
			cfg.Sources[i].RatePerSecond = 1
		}
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Issuance.AssetA) == "" || strings.TrimSpace(cfg.Issuance.AssetB) == "" {
		return fmt.Errorf("issuance assets must be configured")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Issuance.AssetA), strings.TrimSpace(cfg.Issuance.AssetB)) {
		return fmt.Errorf("issuance assets must differ")
	}
	if cfg.Issuance.RatioABps+cfg.Issuance.RatioBBps != 10_000 {
		return fmt.Errorf("issuance ratios must sum to 10000 bps, got %d", cfg.Issuance.RatioABps+cfg.Issuance.RatioBBps)
	}
	if cfg.Oracle.MaxAge.Duration < 0 || cfg.Oracle.Interval.Duration < 0 {
		return fmt.Errorf("oracle durations must not be negative")
	}
	if cfg.Oracle.Decimals > 36 {
		return fmt.Errorf("oracle decimals must not exceed 36")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	for _, src := range cfg.Sources {
		if strings.TrimSpace(src.Type) == "" {
			return fmt.Errorf("source %q missing type", src.Name)
		}
		if src.RatePerSecond < 0 {
			return fmt.Errorf("source %q rate must not be negative", src.Name)
		}
	}
	if cfg.Emergency.Required < emergency.MinRequiredSigners {
		return fmt.Errorf("emergency required signers must be at least %d", emergency.MinRequiredSigners)
	}
	if len(cfg.Emergency.Signers) < cfg.Emergency.Required {
		return fmt.Errorf("emergency signer set (%d) smaller than required (%d)", len(cfg.Emergency.Signers), cfg.Emergency.Required)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be within [0,1]")
	}
	return nil
}
