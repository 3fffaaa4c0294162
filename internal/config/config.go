// Package config loads the device configuration from defaults, an optional
// YAML or JSON file and DAYPLAN_ environment variables, in that order.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/notify"
	"github.com/alexanderramin/dayplan/internal/rules"
	"github.com/alexanderramin/dayplan/internal/syncq"
)

// EnvPrefix prefixes every environment override. Nested keys are joined
// with a double underscore: DAYPLAN_SYNC__MAX_ATTEMPTS.
const EnvPrefix = "DAYPLAN_"

type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Device     DeviceConfig     `json:"device"`
	Cache      cache.Config     `json:"cache"`
	Sync       SyncConfig       `json:"sync"`
	Compliance ComplianceConfig `json:"compliance"`
	Rules      RulesConfig      `json:"rules"`
	Notify     NotifyConfig     `json:"notify"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// DeviceConfig identifies the session whose secret keys the local cache.
type DeviceConfig struct {
	TenantID string `json:"tenant_id"`
	DeviceID string `json:"device_id"`
	// Secret is base64, hex or raw text.
	Secret string `json:"secret"`
	// UserID and Role are the signed-in user the CLI acts as.
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type SyncConfig struct {
	// RemoteDSN selects the PostgreSQL backing store. Empty runs against
	// an in-process store.
	RemoteDSN       string `json:"remote_dsn"`
	PushTimeoutMS   int    `json:"push_timeout_ms"`
	MaxAttempts     int    `json:"max_attempts"`
	BaseBackoffMS   int    `json:"base_backoff_ms"`
	MaxBackoffMS    int    `json:"max_backoff_ms"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// RetryPolicy converts the millisecond settings.
func (c SyncConfig) RetryPolicy() syncq.RetryPolicy {
	return syncq.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: time.Duration(c.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(c.MaxBackoffMS) * time.Millisecond,
		Timeout:     time.Duration(c.PushTimeoutMS) * time.Millisecond,
	}
}

func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type ComplianceConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	// GraceMinutes overrides the grace margin of every rule set when
	// positive.
	GraceMinutes int `json:"grace_minutes"`
}

func (c ComplianceConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	TTLSec   int    `json:"ttl_seconds"`
}

type RulesConfig struct {
	DefaultJurisdiction string `json:"default_jurisdiction"`
	// Redis is optional; without an address only the static table is used.
	Redis RedisConfig                    `json:"redis"`
	Sets  map[string]domain.LaborRuleSet `json:"sets"`
}

type NotifyConfig struct {
	MQTT notify.MQTTConfig `json:"mqtt"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `json:"addr"`
}

// Default returns the configuration used for anything not set explicitly.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "dayplan.db"},
		Device:   DeviceConfig{Role: string(domain.RoleTechnician)},
		Cache:    cache.DefaultConfig(),
		Sync: SyncConfig{
			PushTimeoutMS:   10_000,
			MaxAttempts:     5,
			BaseBackoffMS:   2_000,
			MaxBackoffMS:    300_000,
			IntervalSeconds: 60,
		},
		Compliance: ComplianceConfig{IntervalSeconds: 60},
		Rules: RulesConfig{
			DefaultJurisdiction: rules.DefaultJurisdiction,
			Redis:               RedisConfig{Prefix: "dayplan:rules:", TTLSec: 300},
		},
		Notify: NotifyConfig{MQTT: notify.MQTTConfig{
			ClientID:         "dayplan",
			TopicPrefix:      "dayplan/notifications",
			QoS:              1,
			PublishTimeoutMS: 5_000,
		}},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path, when not empty, over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps DAYPLAN_CACHE__BUDGET_BYTES to cache.budget_bytes.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) Validate() error {
	if c.Device.TenantID == "" || c.Device.DeviceID == "" {
		return fmt.Errorf("device.tenant_id and device.device_id are required")
	}
	if c.Device.Secret == "" {
		return fmt.Errorf("device.secret is required")
	}
	if !domain.Role(c.Device.Role).Valid() {
		return fmt.Errorf("unknown device.role %q", c.Device.Role)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Cache.BudgetBytes <= 0 {
		return fmt.Errorf("cache.budget_bytes must be positive")
	}
	if c.Cache.HighWaterPct <= 0 || c.Cache.HighWaterPct > 100 || c.Cache.LowWaterPct <= 0 || c.Cache.LowWaterPct > 100 {
		return fmt.Errorf("cache water marks must be in (0,100]")
	}
	if c.Cache.LowWaterPct >= c.Cache.HighWaterPct {
		return fmt.Errorf("cache.low_water_pct must be below cache.high_water_pct")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.PushTimeoutMS <= 0 || c.Sync.IntervalSeconds <= 0 || c.Compliance.IntervalSeconds <= 0 {
		return fmt.Errorf("sync and compliance intervals must be positive")
	}
	if c.Sync.BaseBackoffMS <= 0 || c.Sync.MaxBackoffMS < c.Sync.BaseBackoffMS {
		return fmt.Errorf("sync backoff must be positive with max >= base")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
