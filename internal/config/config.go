// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Session  SessionConfig  `mapstructure:"session"`
	Bsky     BskyConfig     `mapstructure:"bsky"`
	Stages   StagesConfig   `mapstructure:"stages"`
	Sink     SinkConfig     `mapstructure:"sink"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// FrontierConfig selects and tunes the shared work queue backend.
type FrontierConfig struct {
	// Backend is "memory" or "postgres".
	Backend              string `mapstructure:"backend"`
	RetryBudget          int    `mapstructure:"retry_budget"`
	LeaseSeconds         int    `mapstructure:"lease_seconds"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	DSN                  string `mapstructure:"dsn"`
	Table                string `mapstructure:"table"`
	MaxConns             int    `mapstructure:"max_conns"`
	MinConns             int    `mapstructure:"min_conns"`
}

// BrowserConfig configures the shared browsing context.
type BrowserConfig struct {
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	// NavsPerMinute caps page loads across all tabs; zero disables pacing.
	NavsPerMinute float64 `mapstructure:"navs_per_minute"`
	NavBurst      int     `mapstructure:"nav_burst"`
}

// SessionConfig governs the shared session lifecycle.
type SessionConfig struct {
	StateFile               string `mapstructure:"state_file"`
	MaxLoginAttempts        int    `mapstructure:"max_login_attempts"`
	AttemptTimeoutSeconds   int    `mapstructure:"attempt_timeout_seconds"`
	AttemptBackoffSeconds   int    `mapstructure:"attempt_backoff_seconds"`
	HeartbeatIntervalSecond int    `mapstructure:"heartbeat_interval_seconds"`
}

// BskyConfig tunes the Bluesky collectors and authenticator.
type BskyConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	ScrollRounds      int    `mapstructure:"scroll_rounds"`
	CaptureQuietMs    int    `mapstructure:"capture_quiet_ms"`
	ProbeQuietSeconds int    `mapstructure:"probe_quiet_seconds"`
	LoginPollSeconds  int    `mapstructure:"login_poll_seconds"`
}

// StageConfig tunes one pipeline stage's worker.
type StageConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	BatchSize            int  `mapstructure:"batch_size"`
	Concurrency          int  `mapstructure:"concurrency"`
	IdleWaitSeconds      int  `mapstructure:"idle_wait_seconds"`
	ShutdownGraceSeconds int  `mapstructure:"shutdown_grace_seconds"`
}

// StagesConfig holds per-stage tuning plus the global claim ceiling.
type StagesConfig struct {
	Discovery StageConfig `mapstructure:"discovery"`
	Profile   StageConfig `mapstructure:"profile"`
	Content   StageConfig `mapstructure:"content"`
	// MaxInFlight caps claimed-and-unresolved entities across all stages.
	MaxInFlight int `mapstructure:"max_in_flight"`
	// SnapshotIntervalSeconds paces frontier status snapshots.
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
}

// SinkConfig sets the staging area root for captured records.
type SinkConfig struct {
	Root string `mapstructure:"root"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig selects the zap logger flavor and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKYHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("frontier.backend", "memory")
	v.SetDefault("frontier.retry_budget", 3)
	v.SetDefault("frontier.lease_seconds", 60)
	v.SetDefault("frontier.sweep_interval_seconds", 30)
	v.SetDefault("frontier.table", "entities")
	v.SetDefault("frontier.max_conns", 8)
	v.SetDefault("frontier.min_conns", 1)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("browser.navs_per_minute", 30.0)
	v.SetDefault("browser.nav_burst", 5)
	v.SetDefault("session.state_file", "skyhive-session.json")
	v.SetDefault("session.max_login_attempts", 3)
	v.SetDefault("session.attempt_timeout_seconds", 120)
	v.SetDefault("session.attempt_backoff_seconds", 5)
	v.SetDefault("session.heartbeat_interval_seconds", 60)
	v.SetDefault("bsky.base_url", "https://bsky.app")
	v.SetDefault("bsky.scroll_rounds", 5)
	v.SetDefault("bsky.capture_quiet_ms", 2000)
	v.SetDefault("bsky.probe_quiet_seconds", 10)
	v.SetDefault("bsky.login_poll_seconds", 5)
	v.SetDefault("stages.discovery.enabled", true)
	v.SetDefault("stages.discovery.batch_size", 10)
	v.SetDefault("stages.discovery.concurrency", 4)
	v.SetDefault("stages.profile.enabled", true)
	v.SetDefault("stages.profile.batch_size", 10)
	v.SetDefault("stages.profile.concurrency", 4)
	v.SetDefault("stages.content.enabled", true)
	v.SetDefault("stages.content.batch_size", 5)
	v.SetDefault("stages.content.concurrency", 2)
	v.SetDefault("stages.max_in_flight", 16)
	v.SetDefault("stages.snapshot_interval_seconds", 15)
	v.SetDefault("sink.root", "staging")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	for _, stage := range []string{"discovery", "profile", "content"} {
		v.SetDefault("stages."+stage+".idle_wait_seconds", 5)
		v.SetDefault("stages."+stage+".shutdown_grace_seconds", 30)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Frontier.Backend {
	case "memory":
	case "postgres":
		if c.Frontier.DSN == "" {
			return fmt.Errorf("frontier.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("frontier.backend must be memory or postgres, got %q", c.Frontier.Backend)
	}
	if c.Frontier.RetryBudget <= 0 {
		return fmt.Errorf("frontier.retry_budget must be > 0")
	}
	if c.Frontier.LeaseSeconds <= 0 {
		return fmt.Errorf("frontier.lease_seconds must be > 0")
	}
	if c.Stages.MaxInFlight <= 0 {
		return fmt.Errorf("stages.max_in_flight must be > 0")
	}
	for name, stage := range map[string]StageConfig{
		"discovery": c.Stages.Discovery,
		"profile":   c.Stages.Profile,
		"content":   c.Stages.Content,
	} {
		if !stage.Enabled {
			continue
		}
		if stage.BatchSize <= 0 {
			return fmt.Errorf("stages.%s.batch_size must be > 0", name)
		}
		if stage.Concurrency <= 0 {
			return fmt.Errorf("stages.%s.concurrency must be > 0", name)
		}
		if stage.BatchSize > c.Stages.MaxInFlight {
			return fmt.Errorf("stages.%s.batch_size exceeds stages.max_in_flight", name)
		}
	}
	if c.Sink.Root == "" {
		return fmt.Errorf("sink.root must be set")
	}
	if c.Session.MaxLoginAttempts <= 0 {
		return fmt.Errorf("session.max_login_attempts must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// LeaseDuration converts the lease config into a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Frontier.LeaseSeconds) * time.Second
}

// SweepInterval converts the sweep cadence config into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Frontier.SweepIntervalSeconds) * time.Second
}

// HeartbeatInterval converts the session probe cadence into a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Session.HeartbeatIntervalSecond) * time.Second
}

// SnapshotInterval converts the snapshot cadence into a duration.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Stages.SnapshotIntervalSeconds) * time.Second
}
