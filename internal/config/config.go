package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RegistryConfig locates the field registry definition file.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RetryConfig configures per-request retry behavior inside the source
// wrapper. Delays grow exponentially from BaseDelaySecs up to
// MaxDelaySecs, with a random jitter of +/- JitterFraction applied.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelaySecs  int     `yaml:"base_delay_secs" mapstructure:"base_delay_secs"`
	MaxDelaySecs   int     `yaml:"max_delay_secs" mapstructure:"max_delay_secs"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig configures the per-source circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	WindowSecs       int `yaml:"window_secs" mapstructure:"window_secs"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	MaxCooldownSecs  int `yaml:"max_cooldown_secs" mapstructure:"max_cooldown_secs"`
}

// SourcesConfig holds per-source connection settings.
type SourcesConfig struct {
	Bhavcopy  SourceConfig `yaml:"bhavcopy" mapstructure:"bhavcopy"`
	FundsAPI  SourceConfig `yaml:"fundsapi" mapstructure:"fundsapi"`
	WebRatios SourceConfig `yaml:"webratios" mapstructure:"webratios"`
	Holdings  SourceConfig `yaml:"holdings" mapstructure:"holdings"`
	Newsfeed  SourceConfig `yaml:"newsfeed" mapstructure:"newsfeed"`
}

// ByID returns the settings for the given source ID.
func (s *SourcesConfig) ByID(id string) SourceConfig {
	switch id {
	case "bhavcopy":
		return s.Bhavcopy
	case "fundsapi":
		return s.FundsAPI
	case "webratios":
		return s.WebRatios
	case "holdings":
		return s.Holdings
	case "newsfeed":
		return s.Newsfeed
	}
	return SourceConfig{}
}

// SourceConfig configures one upstream source. HTTP sources use BaseURL;
// the holdings registrar uses Host/User/Password over FTP.
type SourceConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	Token             string `yaml:"token" mapstructure:"token"`
	Host              string `yaml:"host" mapstructure:"host"`
	User              string `yaml:"user" mapstructure:"user"`
	Password          string `yaml:"password" mapstructure:"password"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MinDelayMS        int    `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent         string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ReconcileConfig configures cross-source reconciliation.
type ReconcileConfig struct {
	DefaultTolerancePct float64 `yaml:"default_tolerance_pct" mapstructure:"default_tolerance_pct"`
}

// ValidationConfig configures the commit gate. Hard structural rules are
// fixed in code; the plausibility bounds that merely warn are an operator
// concern and live here.
type ValidationConfig struct {
	IdentityEpsilon float64                `yaml:"identity_epsilon" mapstructure:"identity_epsilon"`
	Bounds          map[string]BoundConfig `yaml:"bounds" mapstructure:"bounds"`
}

// BoundConfig is one field's plausible range, inclusive on both ends.
type BoundConfig struct {
	Min float64 `yaml:"min" mapstructure:"min"`
	Max float64 `yaml:"max" mapstructure:"max"`
}

// PipelineConfig configures run execution.
type PipelineConfig struct {
	MaxConcurrentSources int    `yaml:"max_concurrent_sources" mapstructure:"max_concurrent_sources"`
	MaxConcurrentSymbols int    `yaml:"max_concurrent_symbols" mapstructure:"max_concurrent_symbols"`
	RunDeadlineSecs      int    `yaml:"run_deadline_secs" mapstructure:"run_deadline_secs"`
	TempDir              string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// SchedulerConfig configures the long-running scheduler loop.
type SchedulerConfig struct {
	TickSecs int `yaml:"tick_secs" mapstructure:"tick_secs"`
}

// ServerConfig configures the status API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background alert checker. Alerts fire
// only when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	SourceFailureThreshold int     `yaml:"source_failure_threshold" mapstructure:"source_failure_threshold"`
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
	v.SetEnvPrefix("STOCKPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "stockpulse.db")
	v.SetDefault("registry.path", "fields.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay_secs", 2)
	v.SetDefault("retry.max_delay_secs", 60)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.window_secs", 3600)
	v.SetDefault("breaker.cooldown_secs", 300)
	v.SetDefault("breaker.max_cooldown_secs", 3600)
	v.SetDefault("reconcile.default_tolerance_pct", 2.0)
	v.SetDefault("validation.identity_epsilon", 0.01)
	v.SetDefault("validation.bounds", map[string]map[string]float64{
		"pe_ratio":           {"min": -1000, "max": 5000},
		"pb_ratio":           {"min": -100, "max": 500},
		"promoter_holding":   {"min": 0, "max": 100},
		"pledged_pct":        {"min": 0, "max": 100},
		"fii_holding":        {"min": 0, "max": 100},
		"dii_holding":        {"min": 0, "max": 100},
		"mf_holding":         {"min": 0, "max": 100},
		"public_holding":     {"min": 0, "max": 100},
		"delivery_pct":       {"min": 0, "max": 100},
		"dividend_yield":     {"min": 0, "max": 100},
		"revenue_growth_yoy": {"min": -1000, "max": 1000},
		"profit_growth_yoy":  {"min": -1000, "max": 1000},
		"eps_growth_yoy":     {"min": -1000, "max": 1000},
	})
	v.SetDefault("pipeline.max_concurrent_sources", 5)
	v.SetDefault("pipeline.max_concurrent_symbols", 8)
	v.SetDefault("pipeline.run_deadline_secs", 1800)
	v.SetDefault("pipeline.temp_dir", "/tmp/stockpulse")
	v.SetDefault("scheduler.tick_secs", 300)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.source_failure_threshold", 3)
	v.SetDefault("sources.bhavcopy.base_url", "https://archives.nseindia.com")
	v.SetDefault("sources.bhavcopy.requests_per_minute", 10)
	v.SetDefault("sources.bhavcopy.min_delay_ms", 3000)
	v.SetDefault("sources.bhavcopy.timeout_secs", 60)
	v.SetDefault("sources.fundsapi.base_url", "https://api.fundsdata.io/v2")
	v.SetDefault("sources.fundsapi.requests_per_minute", 30)
	v.SetDefault("sources.fundsapi.min_delay_ms", 1000)
	v.SetDefault("sources.fundsapi.timeout_secs", 15)
	v.SetDefault("sources.webratios.base_url", "https://www.webratios.com")
	v.SetDefault("sources.webratios.requests_per_minute", 15)
	v.SetDefault("sources.webratios.min_delay_ms", 4000)
	v.SetDefault("sources.webratios.timeout_secs", 30)
	v.SetDefault("sources.holdings.host", "ftp.registrardata.in:21")
	v.SetDefault("sources.holdings.requests_per_minute", 5)
	v.SetDefault("sources.holdings.min_delay_ms", 10000)
	v.SetDefault("sources.holdings.timeout_secs", 60)
	v.SetDefault("sources.newsfeed.base_url", "https://feeds.exchangefilings.in")
	v.SetDefault("sources.newsfeed.requests_per_minute", 60)
	v.SetDefault("sources.newsfeed.min_delay_ms", 500)
	v.SetDefault("sources.newsfeed.timeout_secs", 20)

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

// Validate checks that configuration required by the given mode is present.
// Modes: "run" (pipeline execution), "scheduler", "serve", "migrate".
func (c *Config) Validate(mode string) error {
	var missing []string

	checkStore := func() {
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			missing = append(missing, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
	}
	checkRetry := func() {
		if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
			missing = append(missing, "retry.max_retries must be between 0 and 10")
		}
		if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
			missing = append(missing, "retry.jitter_fraction must be in [0, 1)")
		}
		if c.Retry.BaseDelaySecs < 1 {
			missing = append(missing, "retry.base_delay_secs must be >= 1")
		}
	}
	checkBreaker := func() {
		if c.Breaker.FailureThreshold < 1 {
			missing = append(missing, "breaker.failure_threshold must be >= 1")
		}
		if c.Breaker.MaxCooldownSecs < c.Breaker.CooldownSecs {
			missing = append(missing, "breaker.max_cooldown_secs must be >= breaker.cooldown_secs")
		}
	}
	checkPipeline := func() {
		if c.Pipeline.MaxConcurrentSources < 1 || c.Pipeline.MaxConcurrentSources > 20 {
			missing = append(missing, "pipeline.max_concurrent_sources must be between 1 and 20")
		}
		if c.Pipeline.MaxConcurrentSymbols < 1 || c.Pipeline.MaxConcurrentSymbols > 64 {
			missing = append(missing, "pipeline.max_concurrent_symbols must be between 1 and 64")
		}
		if c.Registry.Path == "" {
			missing = append(missing, "registry.path is required")
		}
	}

	switch mode {
	case "run":
		checkStore()
		checkRetry()
		checkBreaker()
		checkPipeline()
	case "scheduler":
		checkStore()
		checkRetry()
		checkBreaker()
		checkPipeline()
		if c.Scheduler.TickSecs < 1 {
			missing = append(missing, "scheduler.tick_secs must be >= 1")
		}
	case "serve":
		checkStore()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			missing = append(missing, "server.port must be > 0")
		}
	case "migrate":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: invalid for %s mode: %s", mode, strings.Join(missing, "; "))
	}
	return nil
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
