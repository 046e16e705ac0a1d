package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/adapter"
	"github.com/JakeFAU/repo-collector/internal/adapter/adaptertest"
	"github.com/JakeFAU/repo-collector/internal/clock/manual"
	"github.com/JakeFAU/repo-collector/internal/coordinator"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/hash/sha256"
	"github.com/JakeFAU/repo-collector/internal/storage/memory"
	"github.com/JakeFAU/repo-collector/internal/worker"
	"github.com/JakeFAU/repo-collector/internal/writer"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct {
	prefix string
	n      atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", s.prefix, s.n.Add(1)), nil
}

type instance struct {
	coord      *coordinator.Coordinator
	dispatcher *Dispatcher
}

func newInstance(t *testing.T, name string, store *memory.Store, host *adaptertest.Host, clk crawler.Clock, slots int) instance {
	t.Helper()
	coord, err := coordinator.New(store, &seqIDs{prefix: name}, clk, coordinator.Config{
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 5 * time.Millisecond,
		SweepInterval:     5 * time.Millisecond,
		Grace:             time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)

	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register(host, host))
	w := writer.New(store, sha256.New(), &seqIDs{prefix: name + "-unit"}, clk, nil, writer.Config{}, zap.NewNop())

	workers := make([]*worker.Worker, 0, slots)
	for i := 0; i < slots; i++ {
		workers = append(workers, worker.New(i, store, registry, w, nil, nil, coord, clk, worker.Config{
			LeaseDuration: time.Minute,
			PollBackoff:   time.Millisecond,
		}, zap.NewNop()))
	}
	return instance{coord: coord, dispatcher: New(coord, workers, zap.NewNop())}
}

func seedRoot(t *testing.T, store *memory.Store) {
	t.Helper()
	_, created, err := store.Seed(context.Background(), crawler.SeedRequest{
		ID: "root", Host: "fakehub", Strategy: "all", Epoch: "initial", Now: start,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func runUntilDone(t *testing.T, store *memory.Store, instances []instance, wantDone int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, len(instances))
	for _, in := range instances {
		go func(d *Dispatcher) { errs <- d.Run(ctx) }(in.dispatcher)
	}

	require.Eventually(t, func() bool {
		counts, err := store.CountUnits(context.Background())
		return err == nil && counts[crawler.UnitDone] == wantDone
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	for range instances {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop after context cancel")
		}
	}
}

func TestChainOfThreePagesIsCollectedOnce(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(start)
	host := adaptertest.New("fakehub", adaptertest.Chain(3, 2))
	seedRoot(t, store)

	runUntilDone(t, store, []instance{newInstance(t, "a", store, host, clk, 2)}, 3)

	counts, err := store.CountUnits(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts[crawler.UnitDone])
	require.Zero(t, counts[crawler.UnitPending])
	require.Zero(t, counts[crawler.UnitClaimed])
	require.Equal(t, 6, store.RecordCount())

	leases, err := store.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, crawler.InstanceExpired, leases[0].Status)
}

func TestInstancesNeverShareAUnit(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(start)
	host := adaptertest.New("fakehub", adaptertest.Chain(10, 3))
	seedRoot(t, store)

	runUntilDone(t, store, []instance{
		newInstance(t, "a", store, host, clk, 3),
		newInstance(t, "b", store, host, clk, 3),
		newInstance(t, "c", store, host, clk, 3),
	}, 10)

	require.Equal(t, 30, store.RecordCount())
	cursor := ""
	for i := 0; i < 10; i++ {
		require.Equal(t, 1, host.Calls(cursor), "cursor %q fetched more than once", cursor)
		cursor = fmt.Sprintf("p%d", i+2)
	}
}

func TestCrashBetweenFetchAndCommitLosesNothing(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(start)
	host := adaptertest.New("fakehub", adaptertest.Chain(3, 2))
	seedRoot(t, store)
	ctx := context.Background()

	// An instance claims the root, fetches it and dies before committing.
	require.NoError(t, store.RegisterInstance(ctx, crawler.InstanceLease{
		ID: "crashed", StartedAt: start, LastHeartbeatAt: start, Status: crawler.InstanceActive,
	}))
	claimed, ok, err := store.Claim(ctx, crawler.ClaimRequest{Owner: "crashed", Now: start, LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = adapter.Advance(ctx, host, host, claimed)
	require.NoError(t, err)
	require.Zero(t, store.RecordCount())

	clk.Advance(2 * time.Minute)
	runUntilDone(t, store, []instance{newInstance(t, "b", store, host, clk, 1)}, 3)

	require.Equal(t, 6, store.RecordCount())
	root, err := store.GetUnit(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitDone, root.Status)
	require.NotEqual(t, "crashed", root.ClaimOwner)

	rec, err := store.GetRecord(ctx, "fakehub", "1")
	require.NoError(t, err)
	require.Equal(t, "root", rec.FirstSeenUnit)

	// The crashed owner's late commit is rejected and changes nothing.
	_, err = store.Complete(ctx, crawler.CompleteRequest{UnitID: "root", Owner: "crashed", Now: clk.Now()})
	require.ErrorIs(t, err, crawler.ErrStaleClaim)
}

type failingCoordinator struct{ err error }

func (f failingCoordinator) Start(context.Context) error { return f.err }
func (f failingCoordinator) Run(context.Context)         {}
func (f failingCoordinator) Stop(context.Context) error  { return nil }

func TestRunErrors(t *testing.T) {
	t.Parallel()

	require.Error(t, New(failingCoordinator{}, nil, nil).Run(context.Background()))

	boom := errors.New("ledger down")
	w := worker.New(0, memory.NewStore(), adapter.NewRegistry(), nil, nil, nil, nil, manual.New(start), worker.Config{}, nil)
	err := New(failingCoordinator{err: boom}, []*worker.Worker{w}, nil).Run(context.Background())
	require.ErrorIs(t, err, boom)
}
