package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/clock/manual"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("root-%d", s.n.Add(1)), nil }

var strategies = []Strategy{
	{Host: "github", Strategy: "all", Schedule: "0 3 * * 0"},
	{Host: "gitlab", Strategy: "all"},
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(memory.NewStore(), &seqIDs{}, manual.New(start), []Strategy{{Host: "github"}}, nil)
	require.Error(t, err)

	_, err = New(memory.NewStore(), &seqIDs{}, manual.New(start), []Strategy{{Host: "github", Strategy: "all", Schedule: "every day"}}, nil)
	require.ErrorContains(t, err, "schedule for github/all")
}

func TestSeedAllIsIdempotentAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	clk := manual.New(start)
	a, err := New(store, &seqIDs{}, clk, strategies, zap.NewNop())
	require.NoError(t, err)
	b, err := New(store, &seqIDs{}, clk, strategies, zap.NewNop())
	require.NoError(t, err)

	created, err := a.SeedAll(ctx, InitialEpoch)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	created, err = b.SeedAll(ctx, InitialEpoch)
	require.NoError(t, err)
	require.Zero(t, created)

	created, err = a.SeedAll(ctx, EpochAt(start))
	require.NoError(t, err)
	require.Equal(t, 2, created)

	units, err := store.ListUnits(ctx, crawler.UnitFilter{Host: "github"})
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Equal(t, InitialEpoch, units[0].Epoch)
	require.Equal(t, "2026-03-01T12:00", units[1].Epoch)
}

func TestNextFire(t *testing.T) {
	t.Parallel()

	s, err := New(memory.NewStore(), &seqIDs{}, manual.New(start), strategies, nil)
	require.NoError(t, err)

	require.Equal(t, time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC), s.NextFire("github", "all", start))
	require.True(t, s.NextFire("gitlab", "all", start).IsZero())
}

func TestRunSeedsInitialEpochAndStops(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	s, err := New(store, &seqIDs{}, manual.New(start), strategies, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := store.CountUnits(context.Background())
		return err == nil && counts[crawler.UnitPending] == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type flakySeeder struct {
	*memory.Store
	failures atomic.Int64
	err      error
}

func (f *flakySeeder) Seed(ctx context.Context, req crawler.SeedRequest) (crawler.WorkUnit, bool, error) {
	if f.failures.Add(-1) >= 0 {
		return crawler.WorkUnit{}, false, f.err
	}
	return f.Store.Seed(ctx, req)
}

func TestRunRetriesUnavailableLedger(t *testing.T) {
	t.Parallel()

	store := &flakySeeder{Store: memory.NewStore(), err: fmt.Errorf("seed: %w", crawler.ErrLedgerUnavailable)}
	store.failures.Store(2)
	s, err := New(store, &seqIDs{}, manual.New(start), strategies, zap.NewNop())
	require.NoError(t, err)
	s.WithLedgerBackoff(time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := store.CountUnits(context.Background())
		return err == nil && counts[crawler.UnitPending] == 2
	}, time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("scheduler stopped early: %v", err)
	default:
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunReturnsOtherSeedErrors(t *testing.T) {
	t.Parallel()

	store := &flakySeeder{Store: memory.NewStore(), err: crawler.ErrNotFound}
	store.failures.Store(1)
	s, err := New(store, &seqIDs{}, manual.New(start), strategies, zap.NewNop())
	require.NoError(t, err)

	require.ErrorIs(t, s.Run(context.Background()), crawler.ErrNotFound)
}

func TestRunStopsWhileLedgerIsDown(t *testing.T) {
	t.Parallel()

	store := &flakySeeder{Store: memory.NewStore(), err: crawler.ErrLedgerUnavailable}
	store.failures.Store(1 << 30)
	s, err := New(store, &seqIDs{}, manual.New(start), strategies, zap.NewNop())
	require.NoError(t, err)
	s.WithLedgerBackoff(time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}
