// Package dispatcher runs a process's worker pool under its instance lease.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/worker"
)

// Coordinator is the instance lifecycle the dispatcher drives.
type Coordinator interface {
	Start(ctx context.Context) error
	Run(ctx context.Context)
	Stop(ctx context.Context) error
}

// Dispatcher fans units out to a pool of workers.
type Dispatcher struct {
	coordinator Coordinator
	workers     []*worker.Worker
	stopTimeout time.Duration
	logger      *zap.Logger
}

// New creates a Dispatcher.
func New(coordinator Coordinator, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		coordinator: coordinator,
		workers:     workers,
		stopTimeout: 10 * time.Second,
		logger:      logger.Named("dispatcher"),
	}
}

// Run registers the instance, starts all workers and blocks until the
// context finishes and every worker has returned. The lease is expired on the
// way out so peers can take over released work at once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}
	if err := d.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	var coordWG sync.WaitGroup
	coordWG.Add(1)
	go func() {
		defer coordWG.Done()
		d.coordinator.Run(ctx)
	}()

	d.logger.Info("workers starting", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	coordWG.Wait()
	d.logger.Info("workers stopped")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.stopTimeout)
	defer cancel()
	if err := d.coordinator.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop coordinator: %w", err)
	}
	return nil
}
