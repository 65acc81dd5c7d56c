package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CREDITLINE_SYNC_INTERVAL.
const EnvPrefix = "CREDITLINE"

// DefaultBatchSize is the loader batch size for tables without an override.
const DefaultBatchSize = 5000

// Settings is the service configuration resolved from flags, env and an
// optional creditline.yml in the workspace.
type Settings struct {
	Workspace     string            `mapstructure:"workspace"`
	ConstantsFile string            `mapstructure:"constants_file"`
	DB            DBSettings        `mapstructure:"db"`
	Log           LogSettings       `mapstructure:"log"`
	Warehouse     WarehouseSettings `mapstructure:"warehouse"`
	Sync          SyncSettings      `mapstructure:"sync"`
	Server        ServerSettings    `mapstructure:"server"`
	Cache         CacheSettings     `mapstructure:"cache"`
	Webhooks      []WebhookConfig   `mapstructure:"webhooks"`
}

type DBSettings struct {
	Path string `mapstructure:"path"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	JSON       bool   `mapstructure:"json"`
}

type WarehouseSettings struct {
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Dir           string        `mapstructure:"dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

type SyncSettings struct {
	Interval   time.Duration  `mapstructure:"interval"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	BatchSize  int            `mapstructure:"batch_size"`
	BatchSizes map[string]int `mapstructure:"batch_sizes"`
}

// BatchSizeFor returns the per-table batch size, falling back to the default.
func (s SyncSettings) BatchSizeFor(table string) int {
	if n, ok := s.BatchSizes[table]; ok && n > 0 {
		return n
	}
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

type ServerSettings struct {
	Addr      string `mapstructure:"addr"`
	BasePath  string `mapstructure:"base_path"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type CacheSettings struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// WebhookConfig is a cache-invalidation subscriber notified after each
// completed sync run.
type WebhookConfig struct {
	URL            string   `mapstructure:"url" yaml:"url"`
	Secret         string   `mapstructure:"secret" yaml:"secret"`
	Events         []string `mapstructure:"events" yaml:"events"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled        *bool    `mapstructure:"enabled" yaml:"enabled"`
}

// SetDefaults registers documented defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("warehouse.timeout", 60*time.Second)
	v.SetDefault("warehouse.retry_attempts", 3)
	v.SetDefault("warehouse.retry_backoff", 2*time.Second)
	v.SetDefault("warehouse.cache_size", 64)
	v.SetDefault("warehouse.cache_ttl", 10*time.Minute)
	v.SetDefault("sync.interval", time.Hour)
	v.SetDefault("sync.timeout", 30*time.Minute)
	v.SetDefault("sync.batch_size", DefaultBatchSize)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/v0")
	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl", time.Hour)
}

// SettingsPath returns the optional settings file for a workspace.
func SettingsPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "creditline.yml")
}

// Load merges the workspace settings file (when present) into v and decodes
// the result. Env and bound flags keep precedence over the file.
func Load(v *viper.Viper) (Settings, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	path := SettingsPath(v.GetString("workspace"))
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, fmt.Errorf("read %s: %w", path, err)
			}
		}
	}
	var s Settings
	if err := v.Unmarshal(&s, decoderOption()); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// decoderOption lets duration fields be written as "90s" or "1h".
func decoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)
}

// Validate rejects settings the orchestrator cannot run with.
func (s Settings) Validate() error {
	if s.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if s.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must not be negative")
	}
	for table, n := range s.Sync.BatchSizes {
		if n <= 0 {
			return fmt.Errorf("sync.batch_sizes.%s must be positive", table)
		}
	}
	if s.Warehouse.RetryAttempts < 0 {
		return fmt.Errorf("warehouse.retry_attempts must not be negative")
	}
	for i, hook := range s.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}
