package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Collector.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.Collector.LeaseDuration)
	require.Equal(t, 4, cfg.Collector.WorkerCount)
	require.Equal(t, "memory", cfg.Database.Driver)
	require.Equal(t, "none", cfg.Archive.Backend)
	require.Equal(t, 8080, cfg.Server.Port)
	require.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 0.0001)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
collector:
  max_attempts: 3
  lease_duration: 2m
  poll_backoff: 500ms
  worker_count: 8
  host_budget_fallback_interval: 250ms
instance:
  hostname: node-1
  heartbeat_interval: 20s
hosts:
  - name: github
    kind: github
    token_env: COLLECTOR_TEST_UNSET_TOKEN
    token: fallback
    max_retries: 4
    web_url: https://github.example
  - name: forge
    kind: htmlindex
    base_url: https://forge.example/explore
    selectors:
      item: li.repo
      link: a.name
strategies:
  - host: github
    name: popular
    kind: search
    query: stars:>1000
    schedule: "0 * * * *"
    enrich: true
  - host: forge
    name: all
database:
  driver: sqlite
  dsn: file:ledger.db
archive:
  backend: local
  dir: /tmp/raw
handoff:
  backend: kafka
  brokers: [k1:9092, k2:9092]
notify:
  slack_webhook_url: https://hooks.slack.test/x
server:
  port: 9090
  api_key: secret
logging:
  development: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Collector.MaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.Collector.LeaseDuration)
	require.Equal(t, 500*time.Millisecond, cfg.Collector.PollBackoff)
	require.Equal(t, 250*time.Millisecond, cfg.Collector.HostBudgetFallbackInterval)
	require.Equal(t, "node-1", cfg.Instance.Hostname)
	require.Len(t, cfg.Hosts, 2)
	require.Equal(t, 4, cfg.Hosts[0].MaxRetries)
	require.Equal(t, "fallback", cfg.Hosts[0].AccessToken())
	require.Equal(t, "li.repo", cfg.Hosts[1].Selectors.Item)
	require.Len(t, cfg.StrategiesFor("github"), 1)
	require.Equal(t, "0 * * * *", cfg.StrategiesFor("github")[0].Schedule)
	require.True(t, cfg.StrategiesFor("github")[0].Enrich)
	require.False(t, cfg.StrategiesFor("forge")[0].Enrich)
	require.Equal(t, "https://github.example", cfg.Hosts[0].WebURL)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Handoff.Brokers)
	require.Equal(t, "repository-changes", cfg.Handoff.Topic)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "secret", cfg.Server.APIKey)
	require.False(t, cfg.Logging.Development)
}

func TestAccessTokenPrefersEnv(t *testing.T) {
	t.Setenv("COLLECTOR_TEST_TOKEN", "from-env")
	h := HostConfig{Token: "inline", TokenEnv: "COLLECTOR_TEST_TOKEN"}
	require.Equal(t, "from-env", h.AccessToken())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLECTOR_COLLECTOR_WORKER_COUNT", "12")
	t.Setenv("COLLECTOR_DATABASE_DRIVER", "postgres")
	t.Setenv("COLLECTOR_DATABASE_DSN", "postgres://u@db/ledger")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Collector.WorkerCount)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://u@db/ledger", cfg.Database.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Collector: CollectorConfig{MaxAttempts: 1, LeaseDuration: time.Minute, WorkerCount: 1},
		Database:  DatabaseConfig{Driver: "memory"},
		Server:    ServerConfig{Enabled: true, Port: 8080},
		Hosts:     []HostConfig{{Name: "github", Kind: KindGitHub}},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max attempts", func(c *Config) { c.Collector.MaxAttempts = 0 }, "collector.max_attempts"},
		{"lease", func(c *Config) { c.Collector.LeaseDuration = 0 }, "collector.lease_duration"},
		{"workers", func(c *Config) { c.Collector.WorkerCount = 0 }, "collector.worker_count"},
		{"heartbeat", func(c *Config) { c.Instance.HeartbeatInterval = time.Minute }, "heartbeat_interval"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
		{"host kind", func(c *Config) { c.Hosts[0].Kind = "svn" }, "unknown kind"},
		{"duplicate host", func(c *Config) { c.Hosts = append(c.Hosts, c.Hosts[0]) }, "configured twice"},
		{"htmlindex base", func(c *Config) { c.Hosts[0].Kind = KindHTMLIndex }, "base_url"},
		{"strategy host", func(c *Config) {
			c.Strategies = []StrategyConfig{{Host: "gitlab", Name: "all"}}
		}, "unknown host"},
		{"database dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"database driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"archive dir", func(c *Config) { c.Archive.Backend = "local" }, "archive.dir"},
		{"archive bucket", func(c *Config) { c.Archive.Backend = "gcs" }, "archive.bucket"},
		{"pubsub", func(c *Config) { c.Handoff.Backend = "pubsub" }, "project_id"},
		{"kafka", func(c *Config) { c.Handoff = HandoffConfig{Backend: "kafka", Topic: "t"} }, "brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Hosts = append([]HostConfig(nil), base.Hosts...)
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
