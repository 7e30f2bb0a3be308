package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/member-history/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Feed    FeedConfig    `yaml:"feed" mapstructure:"feed"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Run     RunConfig     `yaml:"run" mapstructure:"run"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`

	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the history store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FeedConfig describes where the member snapshot feed comes from.
type FeedConfig struct {
	Location  string            `yaml:"location" mapstructure:"location"`   // path, http(s):// or ftp:// URL
	Format    string            `yaml:"format" mapstructure:"format"`       // csv, json, yaml, xlsx, table; empty = infer
	Delimiter string            `yaml:"delimiter" mapstructure:"delimiter"` // csv only; empty = tab for .tsv, else comma
	Sheet     string            `yaml:"sheet" mapstructure:"sheet"`         // xlsx only
	Encoding  string            `yaml:"encoding" mapstructure:"encoding"`   // e.g. windows-1252
	Table     string            `yaml:"table" mapstructure:"table"`         // table format only
	Columns   map[string]string `yaml:"columns" mapstructure:"columns"`     // tracked attribute -> feed column
	UserAgent string            `yaml:"user_agent" mapstructure:"user_agent"`
}

// HistoryConfig configures change detection.
type HistoryConfig struct {
	TrackedAttributes []string `yaml:"tracked_attributes" mapstructure:"tracked_attributes"`
}

// RunConfig configures a reconciliation run.
type RunConfig struct {
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	LockName         string `yaml:"lock_name" mapstructure:"lock_name"`
	LockTTLSecs      int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"` // sqlite only
	AllowReprocess   bool   `yaml:"allow_reprocess" mapstructure:"allow_reprocess"`
}

// ServerConfig configures the run-trigger server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// AllowedFeeds lists location prefixes a POST /runs body may name
	// besides feed.location.
	AllowedFeeds []string `yaml:"allowed_feeds" mapstructure:"allowed_feeds"`
}

// MonitoringConfig configures run-health alerting in serve mode.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxHoursSinceSuccess int     `yaml:"max_hours_since_success" mapstructure:"max_hours_since_success"`
	StuckRunMinutes      int     `yaml:"stuck_run_minutes" mapstructure:"stuck_run_minutes"`
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
	v.SetEnvPrefix("MEMBERHIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("feed.table", "raw_member_feed")
	v.SetDefault("feed.user_agent", "member-history/1.0")
	v.SetDefault("history.tracked_attributes", []string{"name", "address"})
	v.SetDefault("run.max_attempts", 3)
	v.SetDefault("run.initial_backoff_ms", 500)
	v.SetDefault("run.lock_name", "member_history")
	v.SetDefault("run.lock_ttl_secs", 300)
	v.SetDefault("run.allow_reprocess", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.max_hours_since_success", 36)
	v.SetDefault("monitoring.stuck_run_minutes", 60)

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

// Validate checks the settings a command mode depends on. Modes: run,
// migrate, verify, serve.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "migrate", "verify", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	var trackedErr error
	if len(c.History.TrackedAttributes) == 0 {
		errs = append(errs, "history.tracked_attributes must list at least one attribute")
	} else {
		trackedErr = model.CheckTracked(c.History.TrackedAttributes)
	}
	for _, a := range c.History.TrackedAttributes {
		if a != "" && !validColumnName(a) {
			errs = append(errs, fmt.Sprintf("history.tracked_attributes: %q is not a valid column name", a))
		}
	}

	if mode == "run" || mode == "serve" {
		if c.Run.MaxAttempts < 1 || c.Run.MaxAttempts > 10 {
			errs = append(errs, "run.max_attempts must be between 1 and 10")
		}
		if c.Run.LockName == "" {
			errs = append(errs, "run.lock_name is required")
		}
		if c.Run.LockTTLSecs < 0 {
			errs = append(errs, "run.lock_ttl_secs must be >= 0")
		}
		if c.Feed.Format == "table" && c.Store.Driver != "postgres" {
			errs = append(errs, "feed.format table requires the postgres store driver")
		}
		if len([]rune(c.Feed.Delimiter)) > 1 {
			errs = append(errs, "feed.delimiter must be a single character")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if mode == "serve" && c.Monitoring.Enabled && c.Monitoring.LookbackWindowHours <= 0 {
		errs = append(errs, "monitoring.lookback_window_hours must be > 0")
	}

	switch {
	case trackedErr != nil && len(errs) > 0:
		return eris.Wrap(trackedErr, "config: "+strings.Join(errs, "; "))
	case trackedErr != nil:
		return eris.Wrap(trackedErr, "config: history.tracked_attributes")
	case len(errs) > 0:
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// validColumnName accepts lower-case SQL identifiers. Tracked attributes
// become history table columns, so anything else is rejected up front.
func validColumnName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
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
