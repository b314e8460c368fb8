package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Resource   ResourceConfig   `yaml:"resource" mapstructure:"resource"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Fetcher    FetcherConfig    `yaml:"fetcher" mapstructure:"fetcher"`
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the checkpoint backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, badger.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Path is the SQLite file or Badger directory.
	Path     string `yaml:"path" mapstructure:"path"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RetryConfig configures task retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter" mapstructure:"jitter"`
}

// ResourceConfig configures the shared-resource queue.
type ResourceConfig struct {
	Name               string `yaml:"name" mapstructure:"name"`
	AcquireTimeoutSecs int    `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
	MaxHoldSecs        int    `yaml:"max_hold_secs" mapstructure:"max_hold_secs"`
}

// CircuitConfig configures per-phase circuit breakers. A zero threshold
// disables them.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// FetcherConfig configures the built-in http task body.
type FetcherConfig struct {
	UserAgent    string     `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64      `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	DefaultRate  float64    `yaml:"default_rate" mapstructure:"default_rate"`
	HostRates    []HostRate `yaml:"host_rates" mapstructure:"host_rates"`
}

// HostRate sets requests per second for one host.
type HostRate struct {
	Host string  `yaml:"host" mapstructure:"host"`
	Rate float64 `yaml:"rate" mapstructure:"rate"`
}

// HostRateMap indexes the host rates by host.
func (f FetcherConfig) HostRateMap() map[string]float64 {
	out := make(map[string]float64, len(f.HostRates))
	for _, hr := range f.HostRates {
		out[hr.Host] = hr.Rate
	}
	return out
}

// RunConfig identifies the run and its pipeline definition.
type RunConfig struct {
	ID           string `yaml:"id" mapstructure:"id"`
	PipelineFile string `yaml:"pipeline_file" mapstructure:"pipeline_file"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures end-of-run alerts. An empty WebhookURL
// disables delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// MinTasks is the number of finished tasks below which the failure rate
	// is not evaluated.
	MinTasks int `yaml:"min_tasks" mapstructure:"min_tasks"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.path", "checkpoints.db")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("resource.name", "shared")
	v.SetDefault("resource.acquire_timeout_secs", 120)
	v.SetDefault("resource.max_hold_secs", 600)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("fetcher.user_agent", "research-orchestrator/1.0")
	v.SetDefault("fetcher.timeout_secs", 30)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("fetcher.default_rate", 20.0)
	v.SetDefault("run.id", "default")
	v.SetDefault("run.pipeline_file", "pipeline.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.min_tasks", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is run, serve, or
// inspect (status, failures, checkpoint maintenance). Every problem found is
// reported in one *model.ConfigError.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "memory":
		if mode == "inspect" {
			errs = append(errs, "store.driver memory keeps no checkpoints between invocations")
		}
	case "sqlite", "badger":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Sprintf("store.path is required for %s", c.Store.Driver))
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, sqlite, postgres, badger", c.Store.Driver))
	}

	switch mode {
	case "run":
		if c.Run.ID == "" {
			errs = append(errs, "run.id is required")
		} else if model.CheckID("run", c.Run.ID) != nil {
			errs = append(errs, fmt.Sprintf("run.id %q may not contain '/' or whitespace", c.Run.ID))
		}
		if c.Run.PipelineFile == "" {
			errs = append(errs, "run.pipeline_file is required")
		}
		if c.Retry.MaxAttempts < 1 {
			errs = append(errs, "retry.max_attempts must be >= 1")
		}
		if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
			errs = append(errs, "retry.jitter must be between 0 and 1")
		}
		if c.Resource.AcquireTimeoutSecs <= 0 {
			errs = append(errs, "resource.acquire_timeout_secs must be > 0")
		}
		if c.Resource.MaxHoldSecs < 0 {
			errs = append(errs, "resource.max_hold_secs must be >= 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "inspect":
	default:
		return model.NewConfigError("unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return &model.ConfigError{Msg: strings.Join(errs, "; ")}
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() resilience.RetryConfig {
	return resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs, c.Retry.Multiplier, c.Retry.JitterFraction)
}

// CircuitPolicy converts the circuit section. ok is false when breakers are
// disabled.
func (c *Config) CircuitPolicy() (resilience.CircuitBreakerConfig, bool) {
	return resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)
}

// AcquireTimeout is the shared-resource wait bound.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Resource.AcquireTimeoutSecs) * time.Second
}

// MaxHold is the longest a lease may be held before it is revoked.
func (c *Config) MaxHold() time.Duration {
	return time.Duration(c.Resource.MaxHoldSecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
