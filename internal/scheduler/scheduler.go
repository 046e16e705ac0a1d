// Package scheduler seeds root work units for every configured strategy: once
// under the "initial" epoch at start, then again for each cron firing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// InitialEpoch labels the first scan of every strategy.
const InitialEpoch = "initial"

// EpochLayout formats the firing time of a scheduled scan into its epoch label.
const EpochLayout = "2006-01-02T15:04"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Strategy is one enumeration of one host. An empty Schedule scans only the
// initial epoch.
type Strategy struct {
	Host     string
	Strategy string
	Schedule string
}

// Seeder is the part of the ledger the scheduler writes to.
type Seeder interface {
	Seed(ctx context.Context, req crawler.SeedRequest) (crawler.WorkUnit, bool, error)
}

type entry struct {
	Strategy
	schedule cron.Schedule
}

// Scheduler seeds scan epochs.
type Scheduler struct {
	ledger  Seeder
	ids     crawler.IDGenerator
	clock   crawler.Clock
	entries []entry
	backoff *crawler.ExponentialRetryPolicy
	logger  *zap.Logger
}

// New validates the strategies and their schedules.
func New(ledger Seeder, ids crawler.IDGenerator, clock crawler.Clock, strategies []Strategy, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make([]entry, 0, len(strategies))
	for _, st := range strategies {
		if st.Host == "" || st.Strategy == "" {
			return nil, fmt.Errorf("strategy requires host and name: %+v", st)
		}
		e := entry{Strategy: st}
		if st.Schedule != "" {
			sched, err := cronParser.Parse(st.Schedule)
			if err != nil {
				return nil, fmt.Errorf("schedule for %s/%s: %w", st.Host, st.Strategy, err)
			}
			e.schedule = sched
		}
		entries = append(entries, e)
	}
	return &Scheduler{
		ledger:  ledger,
		ids:     ids,
		clock:   clock,
		entries: entries,
		backoff: crawler.NewRetryPolicy(1<<30, 500*time.Millisecond, 30*time.Second),
		logger:  logger.Named("scheduler"),
	}, nil
}

// WithLedgerBackoff bounds the pauses between seeding attempts against an
// unreachable ledger.
func (s *Scheduler) WithLedgerBackoff(base, maxDelay time.Duration) *Scheduler {
	s.backoff = crawler.NewRetryPolicy(1<<30, base, maxDelay)
	return s
}

// EpochAt returns the epoch label of a scan fired at t.
func EpochAt(t time.Time) string {
	return t.UTC().Format(EpochLayout)
}

// SeedAll seeds epoch for every strategy and returns how many roots were
// created. Roots that already exist are left alone.
func (s *Scheduler) SeedAll(ctx context.Context, epoch string) (int, error) {
	created := 0
	for _, e := range s.entries {
		ok, err := s.seed(ctx, e.Strategy, epoch)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *Scheduler) seed(ctx context.Context, st Strategy, epoch string) (bool, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("root id: %w", err)
	}
	unit, created, err := s.ledger.Seed(ctx, crawler.SeedRequest{
		ID:       id,
		Host:     st.Host,
		Strategy: st.Strategy,
		Epoch:    epoch,
		Now:      s.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("seed %s/%s epoch %s: %w", st.Host, st.Strategy, epoch, err)
	}
	if created {
		s.logger.Info("epoch seeded",
			zap.String("host", st.Host),
			zap.String("strategy", st.Strategy),
			zap.String("epoch", epoch),
			zap.String("unit_id", unit.ID),
		)
	}
	return created, nil
}

// NextFire returns when the strategy's schedule next fires after t, or the
// zero time when it is unscheduled.
func (s *Scheduler) NextFire(host, strategy string, t time.Time) time.Time {
	for _, e := range s.entries {
		if e.Host == host && e.Strategy.Strategy == strategy && e.schedule != nil {
			return e.schedule.Next(t.UTC())
		}
	}
	return time.Time{}
}

// Run seeds the initial epoch, then seeds a new epoch on every scheduled
// firing until ctx finishes. Every instance may run a scheduler; concurrent
// seeds of one epoch create a single root.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.seedInitial(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	for _, e := range s.entries {
		if e.schedule == nil {
			continue
		}
		st := e.Strategy
		c.Schedule(e.schedule, cron.FuncJob(func() {
			epoch := EpochAt(s.clock.Now().Truncate(time.Minute))
			if _, err := s.seed(ctx, st, epoch); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled seed failed",
					zap.String("host", st.Host),
					zap.String("strategy", st.Strategy),
					zap.Error(err),
				)
			}
		}))
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// seedInitial seeds the initial epoch, waiting out an unreachable ledger for
// as long as ctx allows. Other errors are returned.
func (s *Scheduler) seedInitial(ctx context.Context) error {
	for failures := 0; ; failures++ {
		_, err := s.SeedAll(ctx, InitialEpoch)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, crawler.ErrLedgerUnavailable) {
			return err
		}
		delay := s.backoff.Backoff(failures)
		s.logger.Warn("initial seed failed, retrying",
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		_ = crawler.Sleep(ctx, delay)
	}
}
