// Package app builds the collector's long-lived services from configuration
// and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/repo-collector/internal/adapter"
	"github.com/JakeFAU/repo-collector/internal/adapter/github"
	"github.com/JakeFAU/repo-collector/internal/adapter/gitlab"
	"github.com/JakeFAU/repo-collector/internal/adapter/htmlindex"
	"github.com/JakeFAU/repo-collector/internal/api"
	"github.com/JakeFAU/repo-collector/internal/clock/system"
	"github.com/JakeFAU/repo-collector/internal/config"
	"github.com/JakeFAU/repo-collector/internal/coordinator"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/dispatcher"
	"github.com/JakeFAU/repo-collector/internal/hash/sha256"
	"github.com/JakeFAU/repo-collector/internal/hostclient"
	"github.com/JakeFAU/repo-collector/internal/id/uuid"
	"github.com/JakeFAU/repo-collector/internal/notify"
	"github.com/JakeFAU/repo-collector/internal/policy/ratelimit"
	kafkapublisher "github.com/JakeFAU/repo-collector/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/repo-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/repo-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/repo-collector/internal/replay"
	"github.com/JakeFAU/repo-collector/internal/scheduler"
	gcsstorage "github.com/JakeFAU/repo-collector/internal/storage/gcs"
	"github.com/JakeFAU/repo-collector/internal/storage/gormstore"
	localstorage "github.com/JakeFAU/repo-collector/internal/storage/local"
	memorystorage "github.com/JakeFAU/repo-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/repo-collector/internal/storage/postgres"
	"github.com/JakeFAU/repo-collector/internal/worker"
	"github.com/JakeFAU/repo-collector/internal/writer"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock  crawler.Clock
	ids    crawler.IDGenerator
	hasher crawler.Hasher

	store     crawler.Store
	archive   crawler.BlobStore
	publisher crawler.Publisher
	notifier  crawler.Notifier
	limiter   *ratelimit.Limiter
	registry  *adapter.Registry

	closers []closer
}

type closer struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. The caller owns logger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		hasher: sha256.New(),
	}
	a.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Driver),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("handoff", cfg.Handoff.Backend),
		zap.Int("hosts", len(cfg.Hosts)),
	)

	steps := []func(context.Context) error{
		a.setupStore,
		a.setupArchive,
		a.setupPublisher,
		a.setupNotifier,
		a.setupRegistry,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the ledger.
func (a *App) Store() crawler.Store { return a.store }

// Registry returns the host adapter registry.
func (a *App) Registry() *adapter.Registry { return a.registry }

// Scheduler builds the epoch scheduler over the configured strategies.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	var strategies []scheduler.Strategy
	for _, host := range a.cfg.Hosts {
		configured := a.cfg.StrategiesFor(host.Name)
		if len(configured) == 0 {
			strategies = append(strategies, scheduler.Strategy{Host: host.Name, Strategy: "all"})
			continue
		}
		for _, s := range configured {
			strategies = append(strategies, scheduler.Strategy{Host: s.Host, Strategy: s.Name, Schedule: s.Schedule})
		}
	}
	sched, err := scheduler.New(a.store, a.ids, a.clock, strategies, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	return sched, nil
}

// Verifier builds the replay verifier. It needs a configured archive.
func (a *App) Verifier() (*replay.Verifier, error) {
	if a.archive == nil {
		return nil, errors.New("replay requires archive.backend to be configured")
	}
	return replay.New(a.store, a.archive, a.registry, a.hasher, a.cfg.Archive.Prefix, a.logger), nil
}

// Run starts the instance: coordinator, workers, scheduler and the operator
// API. It blocks until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if len(a.registry.Hosts()) == 0 {
		return errors.New("no hosts configured")
	}
	coord, err := a.coordinator()
	if err != nil {
		return err
	}
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	w := writer.New(a.store, a.hasher, a.ids, a.clock, a.publisher, writer.Config{Topic: a.handoffTopic()}, a.logger)
	workerCfg := worker.Config{
		MaxAttempts:    a.cfg.Collector.MaxAttempts,
		LeaseDuration:  a.cfg.Collector.LeaseDuration,
		PollBackoff:    a.cfg.Collector.PollBackoff,
		ReleaseBackoff: a.cfg.Collector.ReleaseBackoff,
		CommitTimeout:  a.cfg.Collector.CommitTimeout,
		ArchivePrefix:  a.cfg.Archive.Prefix,
	}
	workers := make([]*worker.Worker, 0, a.cfg.Collector.WorkerCount)
	for i := 0; i < a.cfg.Collector.WorkerCount; i++ {
		workers = append(workers, worker.New(
			i, a.store, a.registry, w, a.archive, a.notifier, coord, a.clock, workerCfg,
			a.logger,
		))
	}
	dispatch := dispatcher.New(coord, workers, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatch.Run(ctx)
	})
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	if a.cfg.Server.Enabled {
		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler: api.NewServer(a.store, coord, a.limiter, api.Config{
				APIKey:         a.cfg.Server.APIKey,
				RequestTimeout: a.cfg.Server.RequestTimeout,
			}, a.logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Close releases every backend opened by Build, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) coordinator() (*coordinator.Coordinator, error) {
	hostname := a.cfg.Instance.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	coord, err := coordinator.New(a.store, a.ids, a.clock, coordinator.Config{
		LeaseDuration:     a.cfg.Collector.LeaseDuration,
		HeartbeatInterval: a.cfg.Instance.HeartbeatInterval,
		SweepInterval:     a.cfg.Instance.SweepInterval,
		Grace:             a.cfg.Instance.Grace,
		Hostname:          hostname,
		PID:               os.Getpid(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	return coord, nil
}

func (a *App) handoffTopic() string {
	if a.publisher == nil {
		return ""
	}
	return a.cfg.Handoff.Topic
}

func (a *App) setupStore(ctx context.Context) error {
	store, err := OpenStore(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	a.store = store
	a.onClose("store", store.Close)
	return nil
}

// OpenStore opens the ledger backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (crawler.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory ledger; state is lost on exit and not shared between instances")
		return memorystorage.NewStore(), nil
	case "postgres":
		if cfg.AutoMigrate {
			if err := pgstore.Migrate(ctx, cfg.DSN, false); err != nil {
				return nil, fmt.Errorf("postgres migrations failed: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres ledger init failed: %w", err)
		}
		return store, nil
	case "sqlite", "mysql":
		store, err := gormstore.Open(gormstore.Config{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("%s ledger init failed: %w", cfg.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = store
		a.onClose("gcs archive", store.Close)
		a.logger.Info("using GCS raw archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("using local raw archive", zap.String("path", a.cfg.Archive.Dir))
	case "memory":
		a.archive = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory raw archive")
	default:
		a.logger.Info("raw archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Handoff.Backend {
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, a.cfg.Handoff.ProjectID, a.cfg.Handoff.Topic)
		if err != nil {
			return fmt.Errorf("pubsub handoff init failed: %w", err)
		}
		a.publisher = pub
		a.onClose("pubsub publisher", pub.Close)
		a.logger.Info("Pub/Sub handoff initialized",
			zap.String("project", a.cfg.Handoff.ProjectID),
			zap.String("topic", a.cfg.Handoff.Topic),
		)
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      a.cfg.Handoff.Brokers,
			BatchTimeout: a.cfg.Handoff.BatchTimeout,
		})
		if err != nil {
			return fmt.Errorf("kafka handoff init failed: %w", err)
		}
		a.publisher = pub
		a.onClose("kafka publisher", pub.Close)
		a.logger.Info("Kafka handoff initialized",
			zap.Strings("brokers", a.cfg.Handoff.Brokers),
			zap.String("topic", a.cfg.Handoff.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Warn("using in-memory handoff publisher")
	default:
		a.logger.Info("downloader handoff disabled")
	}
	return nil
}

func (a *App) setupNotifier(context.Context) error {
	notifiers := notify.Multi{notify.NewLog(a.logger)}
	if url := a.cfg.Notify.SlackWebhookURL; url != "" {
		slack, err := notify.NewSlack(url, a.cfg.Notify.SlackChannel)
		if err != nil {
			return fmt.Errorf("slack notifier init failed: %w", err)
		}
		notifiers = append(notifiers, slack)
	}
	if url := a.cfg.Notify.DiscordWebhookURL; url != "" {
		discord, err := notify.NewDiscord(url)
		if err != nil {
			return fmt.Errorf("discord notifier init failed: %w", err)
		}
		notifiers = append(notifiers, discord)
	}
	a.notifier = notifiers
	return nil
}

func (a *App) setupRegistry(context.Context) error {
	a.limiter = ratelimit.New(ratelimit.Config{
		FallbackInterval:      a.cfg.Collector.HostBudgetFallbackInterval,
		RateLimitFallbackWait: a.cfg.Collector.RateLimitFallbackWait,
	})
	a.registry = adapter.NewRegistry()
	for _, host := range a.cfg.Hosts {
		ad, err := a.buildAdapter(host)
		if err != nil {
			return fmt.Errorf("host %s: %w", host.Name, err)
		}
		client, err := hostclient.New(hostclient.Config{
			Host:           host.Name,
			UserAgent:      host.UserAgent,
			Token:          host.AccessToken(),
			Timeout:        host.Timeout,
			MaxRetries:     host.MaxRetries,
			BackoffInitial: host.BackoffInitial,
			BackoffMax:     host.BackoffMax,
		}, a.limiter.Budget(host.Name), a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("host %s: %w", host.Name, err)
		}
		if err := a.registry.Register(ad, client); err != nil {
			return fmt.Errorf("host %s: %w", host.Name, err)
		}
		a.logger.Info("host registered",
			zap.String("host", host.Name),
			zap.String("kind", host.Kind),
			zap.Strings("strategies", ad.Strategies()),
		)
	}
	return nil
}

type namedAdapter interface {
	crawler.Adapter
	Strategies() []string
}

func (a *App) buildAdapter(host config.HostConfig) (namedAdapter, error) {
	strategies := a.cfg.StrategiesFor(host.Name)
	names := make([]string, 0, len(strategies))
	for _, s := range strategies {
		names = append(names, s.Name)
	}
	switch host.Kind {
	case config.KindGitHub:
		byName := make(map[string]github.Strategy, len(strategies))
		for _, s := range strategies {
			kind := s.Kind
			if kind == "" {
				kind = github.KindAll
			}
			byName[s.Name] = github.Strategy{
				Kind:    kind,
				Query:   s.Query,
				Sort:    s.Sort,
				Order:   s.Order,
				PerPage: s.PerPage,
				Enrich:  s.Enrich,
			}
		}
		return github.New(github.Config{Host: host.Name, BaseURL: host.BaseURL, WebURL: host.WebURL, Strategies: byName})
	case config.KindGitLab:
		return gitlab.New(gitlab.Config{Host: host.Name, BaseURL: host.BaseURL, PerPage: host.PerPage, Strategies: names})
	case config.KindHTMLIndex:
		sel := host.Selectors
		return htmlindex.New(htmlindex.Config{
			Host:     host.Name,
			StartURL: host.BaseURL,
			Selectors: htmlindex.Selectors{
				Item:        sel.Item,
				Link:        sel.Link,
				IDAttr:      sel.IDAttr,
				Description: sel.Description,
				Language:    sel.Language,
				Stars:       sel.Stars,
				Next:        sel.Next,
			},
			Strategies: names,
		})
	default:
		return nil, fmt.Errorf("unknown host kind %q", host.Kind)
	}
}
