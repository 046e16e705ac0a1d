package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/repo-collector/internal/app"
	"github.com/JakeFAU/repo-collector/internal/config"
	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// fakeGitHub serves /repositories as three pages: ids 1-2, id 3, then empty.
// Repository 2 is refused by the API and only visible on its project page.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	repo := func(id int) string {
		return fmt.Sprintf(`{"id":%d,"name":"r%d","full_name":"o/r%d","html_url":"https://github.test/o/r%d","owner":{"login":"o","type":"User"}}`, id, id, id, id)
	}
	full := func(id int) string {
		return fmt.Sprintf(`{"id":%d,"name":"r%d","full_name":"o/r%d","html_url":"https://github.test/o/r%d","owner":{"login":"o","type":"User"},"stargazers_count":%d,"language":"Go"}`, id, id, id, id, 10*id)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body string
		switch r.URL.Path {
		case "/repositories":
			switch r.URL.Query().Get("since") {
			case "":
				body = "[" + repo(1) + "," + repo(2) + "]"
			case "2":
				body = "[" + repo(3) + "]"
			default:
				body = "[]"
			}
		case "/repos/o/r1":
			body = full(1)
		case "/repos/o/r3":
			body = full(3)
		case "/repos/o/r1/languages", "/repos/o/r3/languages":
			body = `{"Go": 5000, "Makefile": 20}`
		case "/repos/o/r2":
			w.WriteHeader(http.StatusUnavailableForLegalReasons)
			return
		case "/web/o/r2":
			w.Header().Set("Content-Type", "text/html")
			body = `<span>forked from <a href="/up/r2">up/r2</a></span>` +
				`<div><h2>Languages</h2><ul><li><span class="text-bold">Shell</span></li></ul></div>`
		default:
			assert.Fail(t, "unexpected request", r.URL.String())
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(baseURL string) config.Config {
	return config.Config{
		Collector: config.CollectorConfig{
			MaxAttempts:   3,
			LeaseDuration: time.Minute,
			PollBackoff:   10 * time.Millisecond,
			WorkerCount:   2,
		},
		Database: config.DatabaseConfig{Driver: "memory"},
		Archive:  config.ArchiveConfig{Backend: "memory", Prefix: "raw"},
		Handoff:  config.HandoffConfig{Backend: "memory", Topic: "repository-changes"},
		Hosts:    []config.HostConfig{{Name: "github", Kind: config.KindGitHub, BaseURL: baseURL, WebURL: baseURL + "/web"}},
	}
}

func TestRunCollectsEveryPage(t *testing.T) {
	t.Parallel()

	srv := fakeGitHub(t)
	core, logs := observer.New(zap.InfoLevel)
	a, err := app.Build(context.Background(), baseConfig(srv.URL), zap.New(core))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := a.Store().CountUnits(context.Background())
		return err == nil && counts[crawler.UnitDone] == 3 &&
			counts[crawler.UnitPending] == 0 && counts[crawler.UnitClaimed] == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	for _, id := range []string{"1", "2", "3"} {
		rec, err := a.Store().GetRecord(context.Background(), "github", id)
		require.NoError(t, err)
		require.Equal(t, "o/r"+id, rec.FullName)
	}
	enriched, err := a.Store().GetRecord(context.Background(), "github", "3")
	require.NoError(t, err)
	require.Equal(t, 30, enriched.Stars)
	require.Equal(t, []string{"Go", "Makefile"}, enriched.Languages)
	scraped, err := a.Store().GetRecord(context.Background(), "github", "2")
	require.NoError(t, err)
	require.Equal(t, []string{"Shell"}, scraped.Languages)
	require.Equal(t, "up/r2", scraped.ForkedFrom)
	require.True(t, scraped.IsFork)

	committed := logs.FilterMessage("unit committed").All()
	require.NotEmpty(t, committed)
	for _, entry := range committed {
		require.Equal(t, "worker", entry.LoggerName)
		slots := 0
		for _, f := range entry.Context {
			if f.Key == "slot" {
				slots++
			}
		}
		require.Equal(t, 1, slots)
	}

	leases, err := a.Store().ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, crawler.InstanceExpired, leases[0].Status)

	verifier, err := a.Verifier()
	require.NoError(t, err)
	reports, err := verifier.VerifyDone(context.Background(), "github", 10)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		require.True(t, r.OK(), "%+v", r)
	}
}

func TestSchedulerDefaultsToAllStrategy(t *testing.T) {
	t.Parallel()

	a, err := app.Build(context.Background(), baseConfig("https://api.github.test"), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	sched, err := a.Scheduler()
	require.NoError(t, err)
	created, err := sched.SeedAll(context.Background(), "initial")
	require.NoError(t, err)
	require.Equal(t, 1, created)

	units, err := a.Store().ListUnits(context.Background(), crawler.UnitFilter{Status: crawler.UnitPending})
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, "all", units[0].Strategy)
}

func TestBuildRegistersConfiguredStrategies(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://api.github.test")
	cfg.Hosts = append(cfg.Hosts,
		config.HostConfig{Name: "gitlab", Kind: config.KindGitLab},
		config.HostConfig{
			Name:      "forge",
			Kind:      config.KindHTMLIndex,
			BaseURL:   "https://forge.test/explore",
			Selectors: config.SelectorConfig{Item: "li", Link: "a"},
		},
	)
	cfg.Strategies = []config.StrategyConfig{
		{Host: "github", Name: "popular", Kind: "search", Query: "stars:>100"},
		{Host: "gitlab", Name: "all"},
	}
	a, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	require.Equal(t, []string{"forge", "github", "gitlab"}, a.Registry().Hosts())
	ad, ok := a.Registry().Adapter("github")
	require.True(t, ok)
	req, err := ad.Request(crawler.WorkUnit{Host: "github", Strategy: "popular"})
	require.NoError(t, err)
	require.True(t, strings.Contains(req.URL, "/search/repositories"), req.URL)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://api.github.test")
	cfg.Hosts[0].Kind = "svn"
	_, err := app.Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown host kind")

	cfg = baseConfig("https://api.github.test")
	cfg.Database.Driver = "oracle"
	_, err = app.Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown database driver")

	cfg = baseConfig("https://api.github.test")
	cfg.Notify.DiscordWebhookURL = "not a url"
	_, err = app.Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "discord")
}

func TestVerifierNeedsArchive(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("https://api.github.test")
	cfg.Archive.Backend = "none"
	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = a.Verifier()
	require.ErrorContains(t, err, "archive")
}

func TestRunWithoutHosts(t *testing.T) {
	t.Parallel()

	cfg := baseConfig("")
	cfg.Hosts = nil
	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.ErrorContains(t, a.Run(context.Background()), "no hosts")
}
