// Package worker implements the claim, fetch and commit loop of one worker
// slot.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/adapter"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
	"github.com/JakeFAU/repo-collector/internal/writer"
)

// Outcome names what happened to a unit a worker processed.
type Outcome string

// Unit outcomes, also used as metric labels.
const (
	OutcomeDone      Outcome = "done"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeReleased  Outcome = "released"
	OutcomeStale     Outcome = "stale"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeError     Outcome = "error"
)

// Health is the instance view a worker consults before claiming and
// committing.
type Health interface {
	Healthy() bool
	InstanceID() string
}

// Committer checkpoints a unit; *writer.Writer implements it.
type Committer interface {
	Commit(ctx context.Context, unit crawler.WorkUnit, owner string, page crawler.Page) (writer.CommitResult, error)
}

// Config controls Worker behavior.
type Config struct {
	MaxAttempts   int
	LeaseDuration time.Duration
	// PollBackoff is the pause after finding no claimable unit.
	PollBackoff time.Duration
	// ReleaseBackoff is the pause after releasing a unit to a rate-limited
	// or unreachable host.
	ReleaseBackoff time.Duration
	CommitTimeout  time.Duration
	// LedgerBackoffBase and LedgerBackoffMax bound retries against an
	// unreachable ledger.
	LedgerBackoffBase time.Duration
	LedgerBackoffMax  time.Duration
	ArchivePrefix     string
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = 2 * time.Second
	}
	if c.ReleaseBackoff <= 0 {
		c.ReleaseBackoff = c.PollBackoff
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	if c.LedgerBackoffBase <= 0 {
		c.LedgerBackoffBase = 500 * time.Millisecond
	}
	if c.LedgerBackoffMax <= 0 {
		c.LedgerBackoffMax = 30 * time.Second
	}
	return c
}

// Worker claims units and drives them through fetch, archive and commit.
type Worker struct {
	slot     int
	ledger   crawler.Ledger
	registry *adapter.Registry
	writer   Committer
	archive  crawler.BlobStore
	notifier crawler.Notifier
	health   Health
	clock    crawler.Clock
	backoff  *crawler.ExponentialRetryPolicy
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. archive and notifier may be nil.
func New(
	slot int,
	ledger crawler.Ledger,
	registry *adapter.Registry,
	committer Committer,
	archive crawler.BlobStore,
	notifier crawler.Notifier,
	health Health,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		slot:     slot,
		ledger:   ledger,
		registry: registry,
		writer:   committer,
		archive:  archive,
		notifier: notifier,
		health:   health,
		clock:    clock,
		// Unbounded attempts: the ledger is retried for as long as it takes.
		backoff: crawler.NewRetryPolicy(1<<30, cfg.LedgerBackoffBase, cfg.LedgerBackoffMax),
		tracer:  otel.Tracer("repo-collector/worker"),
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.Int("slot", slot)),
	}
}

// Run blocks, claiming and processing units until the context finishes.
// Cancellation is observed between units; a unit in flight is released.
func (w *Worker) Run(ctx context.Context) {
	ledgerFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.health.Healthy() {
			// The lease may already be expired elsewhere; claiming now could
			// race the instance that reclaims our units.
			w.logger.Debug("instance unhealthy, not claiming")
			_ = crawler.Sleep(ctx, w.cfg.PollBackoff)
			continue
		}

		owner := w.health.InstanceID()
		unit, found, err := w.ledger.Claim(ctx, crawler.ClaimRequest{
			Owner:         owner,
			Hosts:         w.registry.Hosts(),
			Now:           w.clock.Now(),
			LeaseDuration: w.cfg.LeaseDuration,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := w.backoff.Backoff(ledgerFailures)
			ledgerFailures++
			w.logger.Warn("claim failed",
				zap.Bool("ledger_unavailable", errors.Is(err, crawler.ErrLedgerUnavailable)),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			_ = crawler.Sleep(ctx, delay)
			continue
		}
		ledgerFailures = 0
		if !found {
			_ = crawler.Sleep(ctx, w.cfg.PollBackoff)
			continue
		}

		outcome := w.Process(ctx, unit, owner)
		if outcome == OutcomeReleased && ctx.Err() == nil {
			_ = crawler.Sleep(ctx, w.cfg.ReleaseBackoff)
		}
	}
}

// Process drives one claimed unit to an outcome.
func (w *Worker) Process(ctx context.Context, unit crawler.WorkUnit, owner string) Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "worker.unit", trace.WithAttributes(
		attribute.String("unit.id", unit.ID),
		attribute.String("unit.host", unit.Host),
		attribute.String("unit.strategy", unit.Strategy),
		attribute.String("unit.cursor", unit.Cursor),
	))
	defer span.End()

	logger := w.logger.With(
		zap.String("unit_id", unit.ID),
		zap.String("host", unit.Host),
		zap.String("strategy", unit.Strategy),
		zap.String("cursor", unit.Cursor),
	)

	outcome := w.process(ctx, logger, unit, owner)
	span.SetAttributes(attribute.String("unit.outcome", string(outcome)))
	if outcome != OutcomeDone {
		span.SetStatus(codes.Error, string(outcome))
	}
	metrics.ObserveUnit(unit.Host, string(outcome))
	return outcome
}

func (w *Worker) process(ctx context.Context, logger *zap.Logger, unit crawler.WorkUnit, owner string) Outcome {
	a, client, ok := w.registry.Lookup(unit.Host)
	if !ok {
		return w.fail(ctx, logger, unit, owner, crawler.PermanentErrorf("no adapter registered for host %q", unit.Host), true)
	}

	page, err := adapter.Advance(ctx, client, a, unit)
	if err != nil {
		return w.handleAdvanceError(ctx, logger, unit, owner, err)
	}

	w.archiveRaw(ctx, logger, unit, page)

	if !w.health.Healthy() || w.health.InstanceID() != owner {
		logger.Warn("instance lost its lease mid-unit, abandoning")
		return OutcomeAbandoned
	}
	return w.commit(ctx, logger, unit, owner, page)
}

func (w *Worker) handleAdvanceError(ctx context.Context, logger *zap.Logger, unit crawler.WorkUnit, owner string, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		logger.Info("cancelled mid-fetch, releasing unit")
		return w.release(ctx, logger, unit, owner)
	case errors.Is(err, crawler.ErrRateLimited), errors.Is(err, crawler.ErrHostUnavailable):
		logger.Warn("host not serving, releasing unit", zap.Error(err))
		return w.release(ctx, logger, unit, owner)
	case errors.Is(err, crawler.ErrParse):
		logger.Error("adapter could not parse host response; the adapter needs maintenance", zap.Error(err))
		return w.fail(ctx, logger, unit, owner, err, true)
	case errors.Is(err, crawler.ErrPermanent):
		return w.fail(ctx, logger, unit, owner, err, true)
	default:
		return w.fail(ctx, logger, unit, owner, err, false)
	}
}

func (w *Worker) release(ctx context.Context, logger *zap.Logger, unit crawler.WorkUnit, owner string) Outcome {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancel()
	if err := w.ledger.Release(releaseCtx, unit.ID, owner, w.clock.Now()); err != nil {
		if errors.Is(err, crawler.ErrStaleClaim) {
			return OutcomeStale
		}
		// The claim lapses on its own and a sweep returns it to pending.
		logger.Warn("release failed", zap.Error(err))
		return OutcomeError
	}
	return OutcomeReleased
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, unit crawler.WorkUnit, owner string, cause error, terminal bool) Outcome {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancel()
	updated, err := w.ledger.Fail(failCtx, crawler.FailRequest{
		UnitID:      unit.ID,
		Owner:       owner,
		Reason:      cause.Error(),
		Terminal:    terminal,
		MaxAttempts: w.cfg.MaxAttempts,
		Now:         w.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, crawler.ErrStaleClaim) {
			logger.Debug("claim lost before recording failure")
			return OutcomeStale
		}
		logger.Warn("recording failure failed", zap.NamedError("cause", cause), zap.Error(err))
		return OutcomeError
	}
	if updated.Status != crawler.UnitFailed {
		logger.Info("unit will be retried", zap.Int("attempts", updated.Attempts), zap.Error(cause))
		return OutcomeRetry
	}

	logger.Error("unit failed",
		zap.Int("attempts", updated.Attempts),
		zap.Bool("terminal", terminal),
		zap.Error(cause),
	)
	if w.notifier != nil {
		if err := w.notifier.NotifyFailed(failCtx, updated); err != nil {
			logger.Warn("failure notification failed", zap.Error(err))
		}
	}
	return OutcomeFailed
}

// archiveRaw stores the response body, and any enrichment responses, for
// replay. Archiving is best effort: a unit is never held back because its raw
// copy could not be written.
func (w *Worker) archiveRaw(ctx context.Context, logger *zap.Logger, unit crawler.WorkUnit, page crawler.Page) {
	if w.archive == nil {
		return
	}
	raw := page.Raw
	contentType := raw.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := w.archive.PutObject(ctx, ArchivePath(w.cfg.ArchivePrefix, unit), contentType, bytes.NewReader(raw.Body))
	if err != nil {
		logger.Warn("archive raw response failed", zap.Error(err))
		return
	}
	logger.Debug("raw response archived", zap.String("uri", uri))

	if len(page.Followups) == 0 {
		return
	}
	body, err := json.Marshal(page.Followups)
	if err != nil {
		logger.Warn("encode enrichment responses failed", zap.Error(err))
		return
	}
	if _, err := w.archive.PutObject(ctx, FollowupsPath(w.cfg.ArchivePrefix, unit), "application/json", bytes.NewReader(body)); err != nil {
		logger.Warn("archive enrichment responses failed", zap.Error(err))
	}
}

// ArchivePath is where the raw response of unit is stored.
func ArchivePath(prefix string, unit crawler.WorkUnit) string {
	name := fmt.Sprintf("%s/%s/%s.raw", unit.Host, unit.Strategy, unit.ID)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// FollowupsPath is where the enrichment responses of unit are stored.
func FollowupsPath(prefix string, unit crawler.WorkUnit) string {
	return strings.TrimSuffix(ArchivePath(prefix, unit), ".raw") + ".followups.json"
}

// commit checkpoints the page. Commits run detached from ctx so shutdown never
// interrupts one midway, and an unreachable ledger is retried until the claim
// could no longer be valid.
func (w *Worker) commit(ctx context.Context, logger *zap.Logger, unit crawler.WorkUnit, owner string, page crawler.Page) Outcome {
	base := context.WithoutCancel(ctx)
	deadline := w.clock.Now().Add(w.cfg.LeaseDuration)

	for attempt := 0; ; attempt++ {
		commitCtx, cancel := context.WithTimeout(base, w.cfg.CommitTimeout)
		res, err := w.writer.Commit(commitCtx, unit, owner, page)
		cancel()

		switch {
		case err == nil:
			logger.Info("unit committed",
				zap.Int("inserted", res.Inserted),
				zap.Int("updated", res.Updated),
				zap.Int("unchanged", res.Unchanged),
				zap.String("successor_id", res.SuccessorID),
			)
			return OutcomeDone
		case errors.Is(err, crawler.ErrStaleClaim):
			logger.Info("claim lost before commit, discarding page")
			return OutcomeStale
		case errors.Is(err, crawler.ErrLedgerUnavailable):
			delay := w.backoff.Backoff(attempt)
			if !w.clock.Now().Add(delay).Before(deadline) {
				logger.Error("ledger unavailable until the claim lapsed, giving up", zap.Error(err))
				return OutcomeError
			}
			logger.Warn("commit failed, ledger unavailable", zap.Duration("retry_in", delay), zap.Error(err))
			_ = crawler.Sleep(base, delay)
		case errors.Is(err, crawler.ErrParse):
			return w.fail(ctx, logger, unit, owner, err, true)
		default:
			logger.Error("commit failed", zap.Error(err))
			return w.fail(ctx, logger, unit, owner, err, false)
		}
	}
}
