// Package coordinator keeps this process's instance lease alive, extends the
// claims it holds and sweeps up after instances that stopped heartbeating.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
)

// Store is the slice of the ledger the coordinator drives.
type Store interface {
	crawler.InstanceRegistry
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// Config controls lease timing. Zero values derive from LeaseDuration.
type Config struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	// Grace is how long a lease may go without a heartbeat before other
	// instances expire it.
	Grace    time.Duration
	Hostname string
	PID      int
}

func (c Config) withDefaults() (Config, error) {
	if c.LeaseDuration <= 0 {
		return c, fmt.Errorf("lease duration must be positive")
	}
	if c.Grace <= 0 {
		c.Grace = c.LeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.Grace / 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.Grace / 2
	}
	if c.HeartbeatInterval >= c.Grace {
		return c, fmt.Errorf("heartbeat interval %s must be shorter than grace %s", c.HeartbeatInterval, c.Grace)
	}
	return c, nil
}

// Coordinator owns the instance identity of one process.
type Coordinator struct {
	store  Store
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	id        string
	lastBeat  time.Time
	evictions int
}

// New constructs a Coordinator. Start must be called before use.
func New(store Store, ids crawler.IDGenerator, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("coordinator"),
	}, nil
}

// Start registers a fresh instance lease.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.register(ctx)
}

func (c *Coordinator) register(ctx context.Context) error {
	id, err := c.ids.NewID()
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	now := c.clock.Now()
	lease := crawler.InstanceLease{
		ID:              id,
		Hostname:        c.cfg.Hostname,
		PID:             c.cfg.PID,
		StartedAt:       now,
		LastHeartbeatAt: now,
		Status:          crawler.InstanceActive,
	}
	if err := c.store.RegisterInstance(ctx, lease); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}

	c.mu.Lock()
	c.id = id
	c.lastBeat = now
	c.mu.Unlock()

	c.logger.Info("instance registered",
		zap.String("instance_id", id),
		zap.String("hostname", c.cfg.Hostname),
		zap.Int("pid", c.cfg.PID),
	)
	return nil
}

// InstanceID returns the current instance id. It changes after an eviction.
func (c *Coordinator) InstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Evictions returns how many times the instance found its lease expired.
func (c *Coordinator) Evictions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evictions
}

// Healthy reports whether the last successful heartbeat is recent enough
// that no other instance can have expired this one.
func (c *Coordinator) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id == "" {
		return false
	}
	return c.clock.Now().Sub(c.lastBeat) < c.cfg.Grace
}

// Heartbeat refreshes the lease and extends the instance's live claims. A
// lease found expired is replaced by a fresh registration; work held under
// the old id is abandoned.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	id := c.InstanceID()
	if id == "" {
		return fmt.Errorf("heartbeat before start")
	}
	now := c.clock.Now()
	extended, err := c.store.Heartbeat(ctx, id, now, now.Add(c.cfg.LeaseDuration))
	switch {
	case err == nil:
		metrics.ObserveHeartbeat("ok")
		c.mu.Lock()
		c.lastBeat = now
		c.mu.Unlock()
		c.logger.Debug("heartbeat", zap.String("instance_id", id), zap.Int("claims_extended", extended))
		return nil
	case errors.Is(err, crawler.ErrLeaseExpired):
		metrics.ObserveHeartbeat("expired")
		c.mu.Lock()
		c.evictions++
		c.mu.Unlock()
		c.logger.Warn("instance lease expired, re-registering", zap.String("instance_id", id))
		return c.register(ctx)
	default:
		metrics.ObserveHeartbeat("error")
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
}

// Sweep expires leases that missed the grace period and returns lapsed
// claims to pending. It is safe to run on every instance at once.
func (c *Coordinator) Sweep(ctx context.Context) (expired []string, reclaimed int, err error) {
	now := c.clock.Now()
	expired, err = c.store.ExpireStaleInstances(ctx, now.Add(-c.cfg.Grace), now)
	if err != nil {
		return nil, 0, fmt.Errorf("expire stale instances: %w", err)
	}
	reclaimed, err = c.store.ReclaimExpired(ctx, now)
	if err != nil {
		return expired, 0, fmt.Errorf("reclaim expired units: %w", err)
	}
	if len(expired) > 0 || reclaimed > 0 {
		c.logger.Info("sweep",
			zap.Strings("expired_instances", expired),
			zap.Int("reclaimed_units", reclaimed),
		)
	}
	return expired, reclaimed, nil
}

// Run heartbeats and sweeps on their intervals until ctx finishes.
func (c *Coordinator) Run(ctx context.Context) {
	beat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer beat.Stop()
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("heartbeat failed", zap.Error(err))
			}
		case <-sweep.C:
			if _, _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop expires this instance's lease and releases its claims so other
// instances can pick them up without waiting for the grace period.
func (c *Coordinator) Stop(ctx context.Context) error {
	id := c.InstanceID()
	if id == "" {
		return nil
	}
	released, err := c.store.ExpireInstance(ctx, id, c.clock.Now())
	if err != nil {
		return fmt.Errorf("expire instance %s: %w", id, err)
	}
	c.mu.Lock()
	c.id = ""
	c.mu.Unlock()
	c.logger.Info("instance stopped", zap.String("instance_id", id), zap.Int("released_units", released))
	return nil
}
