// Package notify tells operators about work units that reached the failed
// state. Only failed units are operator visible; retries stay in the logs.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Message renders the operator text for a failed unit.
func Message(unit crawler.WorkUnit) string {
	return fmt.Sprintf("work unit %s failed after %d attempt(s): host=%s strategy=%s epoch=%s cursor=%q: %s",
		unit.ID, unit.Attempts, unit.Host, unit.Strategy, unit.Epoch, unit.Cursor, unit.LastError)
}

// Log reports failed units through zap.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// NotifyFailed logs the failure at error level.
func (l *Log) NotifyFailed(_ context.Context, unit crawler.WorkUnit) error {
	l.logger.Error("work unit failed",
		zap.String("unit_id", unit.ID),
		zap.String("host", unit.Host),
		zap.String("strategy", unit.Strategy),
		zap.String("epoch", unit.Epoch),
		zap.String("cursor", unit.Cursor),
		zap.Int("attempts", unit.Attempts),
		zap.String("last_error", unit.LastError),
	)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []crawler.Notifier

// NotifyFailed notifies every member even when one fails.
func (m Multi) NotifyFailed(ctx context.Context, unit crawler.WorkUnit) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyFailed(ctx, unit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
