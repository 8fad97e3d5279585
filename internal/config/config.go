// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Replay() ReplayConfig
	Activity() ActivityConfig
	Server() ServerConfig
	Scheduler() SchedulerConfig
	Results() ResultsConfig

	// Replay Setters
	SetReplayMinMatchScore(float64)
	SetReplayPromptEnabled(bool)
	SetReplayMaxSkippedEvents(int)

	// Browser Setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	ReplayCfg    ReplayConfig    `mapstructure:"replay" yaml:"replay"`
	ActivityCfg  ActivityConfig  `mapstructure:"activity" yaml:"activity"`
	ServerCfg    ServerConfig    `mapstructure:"server" yaml:"server"`
	SchedulerCfg SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	ResultsCfg   ResultsConfig   `mapstructure:"results" yaml:"results"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Replay() ReplayConfig       { return c.ReplayCfg }
func (c *Config) Activity() ActivityConfig   { return c.ActivityCfg }
func (c *Config) Server() ServerConfig       { return c.ServerCfg }
func (c *Config) Scheduler() SchedulerConfig { return c.SchedulerCfg }
func (c *Config) Results() ResultsConfig     { return c.ResultsCfg }

func (c *Config) SetReplayMinMatchScore(f float64) { c.ReplayCfg.MinMatchScore = f }
func (c *Config) SetReplayPromptEnabled(b bool)    { c.ReplayCfg.PromptEnabled = b }
func (c *Config) SetReplayMaxSkippedEvents(n int)  { c.ReplayCfg.MaxSkippedEvents = n }
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal color names.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds settings for the result store. An empty URL disables persistence.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// BrowserConfig configures the Chrome instance that replay drives.
type BrowserConfig struct {
	Headless     bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath     string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir  string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	WindowWidth  int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight int           `mapstructure:"window_height" yaml:"window_height"`
	OpTimeout    time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// TimeoutsConfig holds the base duration for each timeout category.
type TimeoutsConfig struct {
	Event         time.Duration `mapstructure:"event" yaml:"event"`
	Ready         time.Duration `mapstructure:"ready" yaml:"ready"`
	ReplayLoop    time.Duration `mapstructure:"replay_loop" yaml:"replay_loop"`
	Network       time.Duration `mapstructure:"network" yaml:"network"`
	Location      time.Duration `mapstructure:"location" yaml:"location"`
	MutationBegin time.Duration `mapstructure:"mutation_begin" yaml:"mutation_begin"`
	MutationEnd   time.Duration `mapstructure:"mutation_end" yaml:"mutation_end"`
	Navigation    time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Response      time.Duration `mapstructure:"response" yaml:"response"`
	Shutdown      time.Duration `mapstructure:"shutdown" yaml:"shutdown"`
	Validation    time.Duration `mapstructure:"validation" yaml:"validation"`
	Status        time.Duration `mapstructure:"status" yaml:"status"`
}

// TimeoutChoice is the answer to a timeout prompt.
type TimeoutChoice string

const (
	ChoiceSkip     TimeoutChoice = "skip"
	ChoiceStop     TimeoutChoice = "stop"
	ChoiceContinue TimeoutChoice = "continue"
)

// Valid reports whether c is one of the known choices.
func (c TimeoutChoice) Valid() bool {
	switch c {
	case ChoiceSkip, ChoiceStop, ChoiceContinue:
		return true
	}
	return false
}

// ReplayConfig tunes the replay engine.
type ReplayConfig struct {
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`

	MinMatchScore float64 `mapstructure:"min_match_score" yaml:"min_match_score"`
	// HailMaryDiscount is applied to the best score of a broadened search.
	HailMaryDiscount float64 `mapstructure:"hail_mary_discount" yaml:"hail_mary_discount"`
	// CombinedThresholdFactor multiplies MinMatchScore to get the bar the preferred
	// document's document+element score must clear.
	CombinedThresholdFactor float64 `mapstructure:"combined_threshold_factor" yaml:"combined_threshold_factor"`

	MaxSkippedEvents     int           `mapstructure:"max_skipped_events" yaml:"max_skipped_events"`
	FailOnTimeout        bool          `mapstructure:"fail_on_timeout" yaml:"fail_on_timeout"`
	FailOnHTTPError      bool          `mapstructure:"fail_on_http_error" yaml:"fail_on_http_error"`
	PromptEnabled        bool          `mapstructure:"prompt_enabled" yaml:"prompt_enabled"`
	DefaultTimeoutChoice TimeoutChoice `mapstructure:"default_timeout_choice" yaml:"default_timeout_choice"`
	AutoRepair           bool          `mapstructure:"auto_repair" yaml:"auto_repair"`
	SuspendPollInterval  time.Duration `mapstructure:"suspend_poll_interval" yaml:"suspend_poll_interval"`
	ExceptionCap         int           `mapstructure:"exception_cap" yaml:"exception_cap"`
	MaxLoggedExceptions  int           `mapstructure:"max_logged_exceptions" yaml:"max_logged_exceptions"`
	GraceRetries         int           `mapstructure:"grace_retries" yaml:"grace_retries"`
	GraceWindow          time.Duration `mapstructure:"grace_window" yaml:"grace_window"`
	KeywordRetries       int           `mapstructure:"keyword_retries" yaml:"keyword_retries"`
	ValidationPollDelay  time.Duration `mapstructure:"validation_poll_delay" yaml:"validation_poll_delay"`
	CheckpointRetry      time.Duration `mapstructure:"checkpoint_retry" yaml:"checkpoint_retry"`
	DrainInitialDelay    time.Duration `mapstructure:"drain_initial_delay" yaml:"drain_initial_delay"`
	DrainMaxDelay        time.Duration `mapstructure:"drain_max_delay" yaml:"drain_max_delay"`
	ThinkTimeEnabled     bool          `mapstructure:"think_time_enabled" yaml:"think_time_enabled"`
	MaxThinkTime         time.Duration `mapstructure:"max_think_time" yaml:"max_think_time"`
	PreloadBlank         bool          `mapstructure:"preload_blank" yaml:"preload_blank"`
}

// ActivityConfig configures which browser activity counts as "busy".
type ActivityConfig struct {
	// IgnoreURLPatterns are glob patterns for requests that never block replay
	// (analytics beacons, long-poll endpoints).
	IgnoreURLPatterns []string `mapstructure:"ignore_url_patterns" yaml:"ignore_url_patterns"`
}

// ServerConfig configures the observer API.
type ServerConfig struct {
	Addr        string  `mapstructure:"addr" yaml:"addr"`
	AuthSecret  string  `mapstructure:"auth_secret" yaml:"auth_secret"`
	StatusRate  float64 `mapstructure:"status_rate" yaml:"status_rate"`
	StatusBurst int     `mapstructure:"status_burst" yaml:"status_burst"`
}

// MonitorConfig is a scheduled replay of one script.
type MonitorConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Cron   string `mapstructure:"cron" yaml:"cron"`
	Script string `mapstructure:"script" yaml:"script"`
}

// SchedulerConfig configures monitoring runs.
type SchedulerConfig struct {
	ScriptDir string          `mapstructure:"script_dir" yaml:"script_dir"`
	Watch     bool            `mapstructure:"watch" yaml:"watch"`
	Monitors  []MonitorConfig `mapstructure:"monitors" yaml:"monitors"`
}

// ResultsConfig configures result tree export.
type ResultsConfig struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Compress  bool   `mapstructure:"compress" yaml:"compress"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-replay")
	v.SetDefault("logger.log_file", "replay.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.window_width", 1400)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.op_timeout", "15s")

	// -- Replay Timeouts --
	v.SetDefault("replay.timeouts.event", "90s")
	v.SetDefault("replay.timeouts.ready", "5s")
	v.SetDefault("replay.timeouts.replay_loop", "50ms")
	v.SetDefault("replay.timeouts.network", "30s")
	v.SetDefault("replay.timeouts.location", "30s")
	v.SetDefault("replay.timeouts.mutation_begin", "3s")
	v.SetDefault("replay.timeouts.mutation_end", "10s")
	v.SetDefault("replay.timeouts.navigation", "60s")
	v.SetDefault("replay.timeouts.response", "15s")
	v.SetDefault("replay.timeouts.shutdown", "30s")
	v.SetDefault("replay.timeouts.validation", "20s")
	v.SetDefault("replay.timeouts.status", "1s")

	// -- Replay --
	v.SetDefault("replay.min_match_score", 0.5)
	v.SetDefault("replay.hail_mary_discount", 0.7)
	v.SetDefault("replay.combined_threshold_factor", 2.0)
	v.SetDefault("replay.max_skipped_events", 0)
	v.SetDefault("replay.fail_on_timeout", true)
	v.SetDefault("replay.fail_on_http_error", true)
	v.SetDefault("replay.prompt_enabled", false)
	v.SetDefault("replay.default_timeout_choice", string(ChoiceSkip))
	v.SetDefault("replay.auto_repair", false)
	v.SetDefault("replay.suspend_poll_interval", "500ms")
	v.SetDefault("replay.exception_cap", 1)
	v.SetDefault("replay.max_logged_exceptions", 25)
	v.SetDefault("replay.grace_retries", 3)
	v.SetDefault("replay.grace_window", "2s")
	v.SetDefault("replay.keyword_retries", 2)
	v.SetDefault("replay.validation_poll_delay", "500ms")
	v.SetDefault("replay.checkpoint_retry", "100ms")
	v.SetDefault("replay.drain_initial_delay", "10ms")
	v.SetDefault("replay.drain_max_delay", "1s")
	v.SetDefault("replay.think_time_enabled", true)
	v.SetDefault("replay.max_think_time", "5s")
	v.SetDefault("replay.preload_blank", true)

	// -- Activity --
	v.SetDefault("activity.ignore_url_patterns", []string{
		"*://*.google-analytics.com/*",
		"*://*.doubleclick.net/*",
		"*://*/favicon.ico",
	})

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.status_rate", 20.0)
	v.SetDefault("server.status_burst", 40)

	// -- Scheduler --
	v.SetDefault("scheduler.script_dir", "scripts")
	v.SetDefault("scheduler.watch", true)

	// -- Results --
	v.SetDefault("results.output_dir", "results")
	v.SetDefault("results.compress", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment rather than the config file.
	_ = v.BindEnv("database.url", "SCALPEL_REPLAY_DATABASE_URL")
	_ = v.BindEnv("server.auth_secret", "SCALPEL_REPLAY_AUTH_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.ServerCfg.AuthSecret == "" {
		cfg.ServerCfg.AuthSecret = os.Getenv("SCALPEL_REPLAY_AUTH_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ReplayCfg.Validate(); err != nil {
		return err
	}
	if c.BrowserCfg.OpTimeout <= 0 {
		return fmt.Errorf("browser.op_timeout must be a positive duration")
	}
	if c.ServerCfg.StatusRate <= 0 {
		return fmt.Errorf("server.status_rate must be positive")
	}
	for i, m := range c.SchedulerCfg.Monitors {
		if m.Cron == "" || m.Script == "" {
			return fmt.Errorf("scheduler.monitors[%d] requires both cron and script", i)
		}
	}
	return nil
}

// MaxKeywordRetries bounds replay.keyword_retries.
const MaxKeywordRetries = 10

// Validate checks the replay tuning values.
func (r *ReplayConfig) Validate() error {
	if r.MinMatchScore <= 0 || r.MinMatchScore > 1 {
		return fmt.Errorf("replay.min_match_score must be between 0 and 1")
	}
	if r.HailMaryDiscount <= 0 || r.HailMaryDiscount > 1 {
		return fmt.Errorf("replay.hail_mary_discount must be between 0 and 1")
	}
	if r.CombinedThresholdFactor <= 0 {
		return fmt.Errorf("replay.combined_threshold_factor must be positive")
	}
	if r.MaxSkippedEvents < 0 {
		return fmt.Errorf("replay.max_skipped_events must not be negative")
	}
	if r.ExceptionCap < 0 {
		return fmt.Errorf("replay.exception_cap must not be negative")
	}
	if r.KeywordRetries < 0 || r.KeywordRetries > MaxKeywordRetries {
		return fmt.Errorf("replay.keyword_retries must be between 0 and %d", MaxKeywordRetries)
	}
	if r.GraceRetries < 0 {
		return fmt.Errorf("replay.grace_retries must not be negative")
	}
	if r.GraceWindow <= 0 || r.GraceWindow > 2*time.Second {
		return fmt.Errorf("replay.grace_window must be in (0, 2s]")
	}
	switch r.DefaultTimeoutChoice {
	case ChoiceSkip, ChoiceStop, ChoiceContinue:
	default:
		return fmt.Errorf("replay.default_timeout_choice must be one of skip, stop, continue")
	}
	if r.Timeouts.Event <= 0 {
		return fmt.Errorf("replay.timeouts.event must be a positive duration")
	}
	if r.DrainInitialDelay <= 0 || r.DrainMaxDelay < r.DrainInitialDelay {
		return fmt.Errorf("replay.drain_initial_delay must be positive and not exceed replay.drain_max_delay")
	}
	return nil
}
