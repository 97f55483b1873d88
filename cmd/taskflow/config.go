package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all taskflow server configuration.
// Priority: flags > TASKFLOW_* env vars > config file > defaults.
type Config struct {
	DBPath      string `mapstructure:"db_path"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	Workers     int    `mapstructure:"workers"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Queue          QueueConfig          `mapstructure:"queue"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Vault          VaultConfig          `mapstructure:"vault"`
	HTTPExecutor   HTTPExecutorConfig   `mapstructure:"http_executor"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type QueueConfig struct {
	// Backend is libsql, memory or postgres.
	Backend           string        `mapstructure:"backend"`
	PostgresDSN       string        `mapstructure:"postgres_dsn"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// VaultConfig enables the secret vault when Passphrase is set.
type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

type HTTPExecutorConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	AllowedHosts []string      `mapstructure:"allowed_hosts"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// TracingConfig exports OpenTelemetry spans when Enabled.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	// Exporter is otlp (gRPC) or stdout; stdout spans are written to stderr.
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

const envPrefix = "TASKFLOW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(taskflowDir(), "taskflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("workers", 4)
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("queue.backend", "libsql")
	v.SetDefault("queue.postgres_dsn", "")
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("scheduler.poll_interval", 15*time.Second)
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", "")
	v.SetDefault("http_executor.timeout", 30*time.Second)
	v.SetDefault("http_executor.allowed_hosts", []string{})
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.cooldown", 30*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_rate", 0.1)
}

func taskflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskflow"
	}
	return filepath.Join(home, ".taskflow")
}

// newViper returns a viper instance with defaults and env binding. cfgFile,
// when set, must exist; otherwise $HOME/.taskflow/config.yaml is read if
// present.
func newViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(taskflowDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// loadConfig decodes and validates the configuration held by v.
func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Queue.Backend {
	case "libsql", "memory":
	case "postgres":
		if c.Queue.PostgresDSN == "" {
			errs = append(errs, errors.New("queue.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.backend %q (want libsql, memory or postgres)", c.Queue.Backend))
	}
	if c.Queue.VisibilityTimeout < 0 {
		errs = append(errs, fmt.Errorf("queue.visibility_timeout must not be negative, got %s", c.Queue.VisibilityTimeout))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Vault.Passphrase != "" && c.Vault.Salt == "" {
		errs = append(errs, errors.New("vault.salt is required with vault.passphrase"))
	}
	switch c.Tracing.Exporter {
	case "otlp", "stdout", "":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q (want otlp or stdout)", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %g", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only take effect on restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.Workers != new.Workers {
		d.RestartNeeded = append(d.RestartNeeded, "workers")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.Queue != new.Queue {
		d.RestartNeeded = append(d.RestartNeeded, "queue")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler.poll_interval")
	}
	if old.Vault != new.Vault {
		d.RestartNeeded = append(d.RestartNeeded, "vault")
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		d.RestartNeeded = append(d.RestartNeeded, "circuit_breaker")
	}
	if old.Tracing != new.Tracing {
		d.RestartNeeded = append(d.RestartNeeded, "tracing")
	}
	return d
}
