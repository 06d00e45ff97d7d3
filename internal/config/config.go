package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/viper"
)

// DatabaseConfig holds the Postgres connection settings. DSN, when set,
// wins over the individual fields.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString returns the lib/pq connection string.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// VaultConfig holds the credential encryption key.
type VaultConfig struct {
	// Key is a base64-encoded 32-byte AES key. When empty, accounts
	// with encrypted secrets are skipped with a config error.
	Key string `mapstructure:"key"`
}

// SchedulerConfig holds fetch scheduler settings.
type SchedulerConfig struct {
	// RefreshIntervalSec is how often the scheduler re-reads the
	// account table to pick up created/edited/disabled accounts.
	RefreshIntervalSec int `mapstructure:"refresh_interval_sec"`
}

// RetentionConfig holds sweeper timer settings. The retention policy
// itself (enabled, window, delete-from-server) lives in the settings
// table and is read per sweep.
type RetentionConfig struct {
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Log       LogConfig       `mapstructure:"log"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "mailvault",
			User:    "mailvault",
			SSLMode: "disable",
		},
		Scheduler: SchedulerConfig{RefreshIntervalSec: 60},
		Retention: RetentionConfig{SweepIntervalSec: 3600},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads configuration from the given YAML file using Viper.
// A missing file is not an error; defaults apply. Environment variables
// prefixed MAILVAULT_ override file values (MAILVAULT_DATABASE_DSN,
// MAILVAULT_VAULT_KEY, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mailvault")
	v.SetDefault("database.user", "mailvault")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("scheduler.refresh_interval_sec", 60)
	v.SetDefault("retention.sweep_interval_sec", 3600)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("mailvault")
	v.AutomaticEnv()
	for _, key := range []string{
		"database.dsn", "database.host", "database.port", "database.name",
		"database.user", "database.password", "database.sslmode",
		"vault.key", "scheduler.refresh_interval_sec",
		"retention.sweep_interval_sec", "log.level",
	} {
		// AutomaticEnv alone does not map dotted keys to underscores
		// during Unmarshal, so bind each key explicitly.
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		// Missing file: defaults plus env overrides still apply.
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	if p := os.Getenv("MAILVAULT_CONFIG"); p != "" {
		return p
	}
	return "/etc/mailvault/config.yaml"
}
