// Package config loads the Quire node configuration from
// ~/.quire/quire.toml, with QUIRE_* environment variables taking
// precedence over file values.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/quirehq/quire/errors"
)

// Config is the node configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Node     NodeConfig     `mapstructure:"node"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NodeConfig identifies this node to the rest of the deployment.
type NodeConfig struct {
	ID   string `mapstructure:"id"`   // stable node identifier; hostname when empty
	URL  string `mapstructure:"url"`  // base URL other nodes reach this node at
	Port int    `mapstructure:"port"` // wakeup listener port
}

// WorkerConfig configures job execution.
type WorkerConfig struct {
	Workers                  int `mapstructure:"workers"`
	PollIntervalSeconds      int `mapstructure:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	RetryLimit               int `mapstructure:"retry_limit"`
	LeaseTimeoutSeconds      int `mapstructure:"lease_timeout_seconds"`
}

// ScheduleConfig configures the recurring task driver.
type ScheduleConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// NotifyConfig configures node wakeup broadcasts.
type NotifyConfig struct {
	MinIntervalSeconds    int `mapstructure:"min_interval_seconds"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// SetDefaults registers default values on the Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("node.port", 7272)
	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.heartbeat_interval_seconds", 15)
	v.SetDefault("worker.retry_limit", 3)
	v.SetDefault("worker.lease_timeout_seconds", 120)
	v.SetDefault("schedule.tick_interval_seconds", 30)
	v.SetDefault("notify.min_interval_seconds", 2)
	v.SetDefault("notify.request_timeout_seconds", 3)
}

// Load reads the configuration from the default locations.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("quire")
	v.SetConfigType("toml")
	v.AddConfigPath(defaultConfigDir())
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file means defaults; anything else is a real error.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile reads the configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "failed to derive node id from hostname")
		}
		cfg.Node.ID = host
	}
	return &cfg, nil
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".quire")
}

func defaultDatabasePath() string {
	return filepath.Join(defaultConfigDir(), "quire.db")
}
