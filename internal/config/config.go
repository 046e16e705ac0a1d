// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Host kinds understood by the adapter wiring.
const (
	KindGitHub    = "github"
	KindGitLab    = "gitlab"
	KindHTMLIndex = "htmlindex"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Collector  CollectorConfig  `mapstructure:"collector"`
	Instance   InstanceConfig   `mapstructure:"instance"`
	Hosts      []HostConfig     `mapstructure:"hosts"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Handoff    HandoffConfig    `mapstructure:"handoff"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// CollectorConfig governs claiming, leases and worker behavior.
type CollectorConfig struct {
	MaxAttempts                int           `mapstructure:"max_attempts"`
	LeaseDuration              time.Duration `mapstructure:"lease_duration"`
	PollBackoff                time.Duration `mapstructure:"poll_backoff"`
	WorkerCount                int           `mapstructure:"worker_count"`
	HostBudgetFallbackInterval time.Duration `mapstructure:"host_budget_fallback_interval"`
	ReleaseBackoff             time.Duration `mapstructure:"release_backoff"`
	CommitTimeout              time.Duration `mapstructure:"commit_timeout"`
	RateLimitFallbackWait      time.Duration `mapstructure:"rate_limit_fallback_wait"`
}

// InstanceConfig controls the instance lease.
type InstanceConfig struct {
	Hostname          string        `mapstructure:"hostname"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	Grace             time.Duration `mapstructure:"grace"`
}

// HostConfig describes one repository host and how to talk to it.
type HostConfig struct {
	Name      string `mapstructure:"name"`
	Kind      string `mapstructure:"kind"`
	BaseURL   string `mapstructure:"base_url"`
	WebURL    string `mapstructure:"web_url"`
	UserAgent string `mapstructure:"user_agent"`
	Token     string `mapstructure:"token"`
	// TokenEnv names an environment variable holding the token.
	TokenEnv       string         `mapstructure:"token_env"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	MaxRetries     int            `mapstructure:"max_retries"`
	BackoffInitial time.Duration  `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration  `mapstructure:"backoff_max"`
	PerPage        int            `mapstructure:"per_page"`
	Selectors      SelectorConfig `mapstructure:"selectors"`
}

// AccessToken resolves the host token, preferring TokenEnv.
func (h HostConfig) AccessToken() string {
	if h.TokenEnv != "" {
		if tok := os.Getenv(h.TokenEnv); tok != "" {
			return tok
		}
	}
	return h.Token
}

// SelectorConfig locates repository fields on an HTML index page.
type SelectorConfig struct {
	Item        string `mapstructure:"item"`
	Link        string `mapstructure:"link"`
	IDAttr      string `mapstructure:"id_attr"`
	Description string `mapstructure:"description"`
	Language    string `mapstructure:"language"`
	Stars       string `mapstructure:"stars"`
	Next        string `mapstructure:"next"`
}

// StrategyConfig is one named enumeration strategy of a host.
type StrategyConfig struct {
	Host    string `mapstructure:"host"`
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	Query   string `mapstructure:"query"`
	Sort    string `mapstructure:"sort"`
	Order   string `mapstructure:"order"`
	PerPage int    `mapstructure:"per_page"`
	// Schedule is a five-field cron expression; empty seeds once.
	Schedule string `mapstructure:"schedule"`
	// Enrich completes each listed repository with per-repository requests.
	Enrich bool `mapstructure:"enrich"`
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	// Driver is memory, postgres, sqlite or mysql.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AutoMigrate applies Postgres migrations at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// ArchiveConfig selects where raw host responses are kept for replay.
type ArchiveConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// HandoffConfig selects the downloader handoff transport.
type HandoffConfig struct {
	// Backend is none, memory, pubsub or kafka.
	Backend      string        `mapstructure:"backend"`
	Topic        string        `mapstructure:"topic"`
	ProjectID    string        `mapstructure:"project_id"`
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// NotifyConfig lists the failed-unit notification channels.
type NotifyConfig struct {
	SlackWebhookURL   string `mapstructure:"slack_webhook_url"`
	SlackChannel      string `mapstructure:"slack_channel"`
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Stdout      bool    `mapstructure:"stdout"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
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
	v.SetDefault("collector.max_attempts", 5)
	v.SetDefault("collector.lease_duration", 5*time.Minute)
	v.SetDefault("collector.poll_backoff", 2*time.Second)
	v.SetDefault("collector.worker_count", 4)
	v.SetDefault("collector.host_budget_fallback_interval", time.Second)
	v.SetDefault("collector.commit_timeout", 30*time.Second)
	v.SetDefault("collector.rate_limit_fallback_wait", time.Minute)
	v.SetDefault("instance.hostname", "")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("handoff.backend", "none")
	v.SetDefault("handoff.topic", "repository-changes")
	v.SetDefault("handoff.project_id", "")
	v.SetDefault("handoff.batch_timeout", 50*time.Millisecond)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.slack_channel", "")
	v.SetDefault("notify.discord_webhook_url", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.service_name", "repo-collector")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Collector.MaxAttempts <= 0 {
		return fmt.Errorf("collector.max_attempts must be > 0")
	}
	if c.Collector.LeaseDuration <= 0 {
		return fmt.Errorf("collector.lease_duration must be > 0")
	}
	if c.Collector.WorkerCount <= 0 {
		return fmt.Errorf("collector.worker_count must be > 0")
	}
	if c.Collector.PollBackoff < 0 || c.Collector.HostBudgetFallbackInterval < 0 {
		return fmt.Errorf("collector backoff intervals must not be negative")
	}
	if c.Instance.HeartbeatInterval > 0 && c.Instance.HeartbeatInterval >= c.grace() {
		return fmt.Errorf("instance.heartbeat_interval must be shorter than the lease grace %s", c.grace())
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if err := c.validateHosts(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	return c.Handoff.validate()
}

func (c Config) grace() time.Duration {
	if c.Instance.Grace > 0 {
		return c.Instance.Grace
	}
	return c.Collector.LeaseDuration
}

func (c Config) validateHosts() error {
	hosts := make(map[string]HostConfig, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("hosts[%d].name is required", i)
		}
		if _, dup := hosts[h.Name]; dup {
			return fmt.Errorf("host %q is configured twice", h.Name)
		}
		switch h.Kind {
		case KindGitHub, KindGitLab:
		case KindHTMLIndex:
			if h.BaseURL == "" {
				return fmt.Errorf("host %q: base_url is required for htmlindex", h.Name)
			}
		default:
			return fmt.Errorf("host %q: unknown kind %q", h.Name, h.Kind)
		}
		hosts[h.Name] = h
	}
	seen := make(map[string]struct{}, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.Host == "" || s.Name == "" {
			return fmt.Errorf("strategies[%d]: host and name are required", i)
		}
		if _, ok := hosts[s.Host]; !ok {
			return fmt.Errorf("strategy %s/%s: unknown host", s.Host, s.Name)
		}
		key := s.Host + "/" + s.Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("strategy %s is configured twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// StrategiesFor returns the strategies configured for host.
func (c Config) StrategiesFor(host string) []StrategyConfig {
	var out []StrategyConfig
	for _, s := range c.Strategies {
		if s.Host == host {
			out = append(out, s)
		}
	}
	return out
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case "memory":
		return nil
	case "postgres", "sqlite", "mysql":
		if d.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", d.Driver)
		}
		return nil
	default:
		return fmt.Errorf("database.driver %q is not supported", d.Driver)
	}
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case "", "none", "memory":
		return nil
	case "local":
		if a.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local archive")
		}
		return nil
	case "gcs":
		if a.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
		return nil
	default:
		return fmt.Errorf("archive.backend %q is not supported", a.Backend)
	}
}

func (h HandoffConfig) validate() error {
	switch h.Backend {
	case "", "none", "memory":
		return nil
	case "pubsub":
		if h.ProjectID == "" || h.Topic == "" {
			return fmt.Errorf("handoff.project_id and handoff.topic are required for pubsub")
		}
		return nil
	case "kafka":
		if len(h.Brokers) == 0 || h.Topic == "" {
			return fmt.Errorf("handoff.brokers and handoff.topic are required for kafka")
		}
		return nil
	default:
		return fmt.Errorf("handoff.backend %q is not supported", h.Backend)
	}
}
