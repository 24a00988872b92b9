// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Store() StoreConfig
	Scheduler() SchedulerConfig
	Engine() EngineConfig
	Recovery() RecoveryConfig
	FactSource() FactSourceConfig
	Executor() ExecutorConfig
	Notify() NotifyConfig
	MissionsPath() string

	SetMissionsPath(string)
	SetSchedulerDefaultInterval(time.Duration)
	SetStoreDriver(string)
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // console | json
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"` // postgres | memory
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the Postgres connection string.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.DBName, s.SSLMode)
}

// SchedulerConfig tunes the heartbeat scheduler.
type SchedulerConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval" yaml:"default_interval"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout" yaml:"tick_timeout"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	// MaxConcurrentSteps caps engine steps in flight across all workers.
	MaxConcurrentSteps int64 `mapstructure:"max_concurrent_steps" yaml:"max_concurrent_steps"`
}

// EngineConfig tunes the task lifecycle engine.
type EngineConfig struct {
	ExecutorTimeout time.Duration `mapstructure:"executor_timeout" yaml:"executor_timeout"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// RecoveryConfig tunes the healer cadence and thresholds.
type RecoveryConfig struct {
	CronSpec         string        `mapstructure:"cron_spec" yaml:"cron_spec"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold" yaml:"stale_threshold"`
	SoftTimeout      time.Duration `mapstructure:"soft_timeout" yaml:"soft_timeout"`
	HardTimeout      time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
	// HeartbeatFactor: a worker silent for factor x interval triggers an alert.
	HeartbeatFactor  int `mapstructure:"heartbeat_factor" yaml:"heartbeat_factor"`
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

// FactSourceConfig selects and configures the fact source backend.
type FactSourceConfig struct {
	Driver     string  `mapstructure:"driver" yaml:"driver"` // github | local
	Repository string  `mapstructure:"repository" yaml:"repository"` // owner/repo
	Token      string  `mapstructure:"token" yaml:"token"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests/sec
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// App auth (optional, preferred over a personal token when set).
	AppID          int64  `mapstructure:"app_id" yaml:"app_id"`
	InstallationID int64  `mapstructure:"installation_id" yaml:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path"`
	// LocalPath points at an on-disk clone for the local driver.
	LocalPath string `mapstructure:"local_path" yaml:"local_path"`
}

// ExecutorConfig configures the LLM-backed executor.
type ExecutorConfig struct {
	APIKey       string            `mapstructure:"api_key" yaml:"api_key"`
	DefaultModel string            `mapstructure:"default_model" yaml:"default_model"`
	// RoleModels routes a worker role to a specific model.
	RoleModels  map[string]string `mapstructure:"role_models" yaml:"role_models"`
	Timeout     time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  uint64            `mapstructure:"max_retries" yaml:"max_retries"`
	Temperature float32           `mapstructure:"temperature" yaml:"temperature"`
}

// NotifyConfig configures the webhook notification sink.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Config holds the entire application configuration. Access goes through the
// Interface getters so components can be handed a mock.
type Config struct {
	LoggerC     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	StoreC      StoreConfig      `mapstructure:"store" yaml:"store"`
	SchedulerC  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	EngineC     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	RecoveryC   RecoveryConfig   `mapstructure:"recovery" yaml:"recovery"`
	FactSourceC FactSourceConfig `mapstructure:"factsource" yaml:"factsource"`
	ExecutorC   ExecutorConfig   `mapstructure:"executor" yaml:"executor"`
	NotifyC     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	MissionsC   string           `mapstructure:"missions_path" yaml:"missions_path"`
}

// -- Interface Method Implementations --

func (c *Config) Logger() LoggerConfig         { return c.LoggerC }
func (c *Config) Store() StoreConfig           { return c.StoreC }
func (c *Config) Scheduler() SchedulerConfig   { return c.SchedulerC }
func (c *Config) Engine() EngineConfig         { return c.EngineC }
func (c *Config) Recovery() RecoveryConfig     { return c.RecoveryC }
func (c *Config) FactSource() FactSourceConfig { return c.FactSourceC }
func (c *Config) Executor() ExecutorConfig     { return c.ExecutorC }
func (c *Config) Notify() NotifyConfig         { return c.NotifyC }
func (c *Config) MissionsPath() string         { return c.MissionsC }

func (c *Config) SetMissionsPath(p string)                      { c.MissionsC = p }
func (c *Config) SetSchedulerDefaultInterval(d time.Duration)   { c.SchedulerC.DefaultInterval = d }
func (c *Config) SetStoreDriver(d string)                       { c.StoreC.Driver = d }

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "missionctl")
	v.SetDefault("logger.log_file", "missionctl.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Store --
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "postgres")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbname", "missionctl")
	v.SetDefault("store.sslmode", "disable")

	// -- Scheduler --
	v.SetDefault("scheduler.default_interval", "15m")
	v.SetDefault("scheduler.tick_timeout", "5m")
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.max_concurrent_steps", 8)

	// -- Engine --
	v.SetDefault("engine.executor_timeout", "4m")
	v.SetDefault("engine.action_timeout", "30s")

	// -- Recovery --
	v.SetDefault("recovery.cron_spec", "@hourly")
	v.SetDefault("recovery.stale_threshold", "90m")
	v.SetDefault("recovery.soft_timeout", "3h")
	v.SetDefault("recovery.hard_timeout", "6h")
	v.SetDefault("recovery.heartbeat_factor", 3)
	v.SetDefault("recovery.failure_threshold", 5)

	// -- Fact source --
	v.SetDefault("factsource.driver", "github")
	v.SetDefault("factsource.rate_limit", 2.0)
	v.SetDefault("factsource.timeout", "15s")

	// -- Executor --
	v.SetDefault("executor.default_model", "gemini-2.5-flash")
	v.SetDefault("executor.timeout", "4m")
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.temperature", 0.2)

	// -- Notify --
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("missions_path", "missions.yaml")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Should not happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	_ = v.BindEnv("factsource.token", "MISSIONCTL_GITHUB_TOKEN")
	_ = v.BindEnv("executor.api_key", "MISSIONCTL_GEMINI_API_KEY")
	_ = v.BindEnv("store.password", "MISSIONCTL_STORE_PASSWORD")
	_ = v.BindEnv("notify.webhook_url", "MISSIONCTL_WEBHOOK_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.FactSourceC.Token == "" {
		cfg.FactSourceC.Token = os.Getenv("MISSIONCTL_GITHUB_TOKEN")
	}
	if cfg.ExecutorC.APIKey == "" {
		cfg.ExecutorC.APIKey = os.Getenv("MISSIONCTL_GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration from an explicit path, or from the default search
// locations (cwd, then ~/.missionctl) when path is empty. MISSIONCTL_*
// environment variables override file values key by key.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("missionctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".missionctl"))
		}
	}

	v.SetEnvPrefix("MISSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("error reading config %s: %w", path, err)
		}
		// No config file in the search path is fine; defaults plus env
		// carry the day.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	return NewConfigFromViper(v)
}

// Validate checks cross-field consistency before the config is handed out.
func (c *Config) Validate() error {
	if c.SchedulerC.DefaultInterval <= 0 {
		return fmt.Errorf("scheduler.default_interval must be positive, got %v", c.SchedulerC.DefaultInterval)
	}
	if c.SchedulerC.TickTimeout <= 0 {
		return fmt.Errorf("scheduler.tick_timeout must be positive, got %v", c.SchedulerC.TickTimeout)
	}
	if c.RecoveryC.SoftTimeout > c.RecoveryC.HardTimeout {
		return fmt.Errorf("recovery.soft_timeout %v exceeds hard_timeout %v", c.RecoveryC.SoftTimeout, c.RecoveryC.HardTimeout)
	}
	switch c.StoreC.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreC.Driver)
	}
	switch c.FactSourceC.Driver {
	case "github", "local":
	default:
		return fmt.Errorf("unknown factsource driver %q", c.FactSourceC.Driver)
	}
	return nil
}
