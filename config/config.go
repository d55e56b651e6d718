/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults()
  2. Optional config file (yaml, toml or json, by extension)
  3. Environment variables prefixed MIXPLAN_, e.g. MIXPLAN_SERVER_PORT,
     MIXPLAN_DATABASE_PATH, MIXPLAN_SYNC_DEBOUNCE=2s
  4. Command-line flags bound by cmd/server

SECTIONS:
  server:   port, allowed CORS origins, HTTP timeouts
  database: SQLite path (":memory:" for an in-memory database)
  log:      level and encoding
  sync:     live-sync debounce, indicator flashes, resubscribe budget
  costing:  cost cache TTL
  audit:    periodic link audit
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MIXPLAN"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Costing  CostingConfig  `mapstructure:"costing"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type SyncConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	TaskFlash      time.Duration `mapstructure:"task_flash"`
	LinkFlash      time.Duration `mapstructure:"link_flash"`
	MaxResubscribe int           `mapstructure:"max_resubscribe"`
}

type CostingConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AuditConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			ShutdownGrace:  30 * time.Second,
		},
		Database: DatabaseConfig{Path: "mixing.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Sync: SyncConfig{
			Debounce:       1500 * time.Millisecond,
			TaskFlash:      500 * time.Millisecond,
			LinkFlash:      800 * time.Millisecond,
			MaxResubscribe: 3,
		},
		Costing: CostingConfig{CacheTTL: 2 * time.Second},
		Audit:   AuditConfig{Enabled: true, Interval: time.Hour},
	}
}

// Load reads the configuration. path may be empty; flags may be nil.
// Flags are looked up by key with dots replaced by dashes, plus the short
// aliases "port", "db" and "log-level".
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for key, name := range map[string]string{
			"server.port":   "port",
			"database.path": "db",
			"log.level":     "log-level",
			"log.format":    "log-format",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	case c.Database.Path == "":
		return fmt.Errorf("config: database.path is required")
	case c.Log.Format != "json" && c.Log.Format != "console":
		return fmt.Errorf("config: log.format must be json or console, got %q", c.Log.Format)
	case c.Sync.Debounce <= 0:
		return fmt.Errorf("config: sync.debounce must be positive")
	case c.Sync.MaxResubscribe < 0:
		return fmt.Errorf("config: sync.max_resubscribe must not be negative")
	case c.Costing.CacheTTL < 0:
		return fmt.Errorf("config: costing.cache_ttl must not be negative")
	case c.Audit.Enabled && c.Audit.Interval <= 0:
		return fmt.Errorf("config: audit.interval must be positive when audit is enabled")
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_grace", d.Server.ShutdownGrace)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.task_flash", d.Sync.TaskFlash)
	v.SetDefault("sync.link_flash", d.Sync.LinkFlash)
	v.SetDefault("sync.max_resubscribe", d.Sync.MaxResubscribe)
	v.SetDefault("costing.cache_ttl", d.Costing.CacheTTL)
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.interval", d.Audit.Interval)
}
