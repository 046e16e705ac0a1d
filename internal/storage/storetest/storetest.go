// Package storetest holds the behavioural suite every ledger backend must
// pass. Backends call Run from their own tests with a constructor that
// returns an empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) crawler.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite. Subtests share nothing, so each calls factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(*testing.T, crawler.Store)
	}{
		{"SeedIsIdempotent", testSeedIsIdempotent},
		{"ClaimOrderAndHosts", testClaimOrderAndHosts},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaimsAreExclusive},
		{"CompleteUpsertsAndChains", testCompleteUpsertsAndChains},
		{"CompleteIsIdempotentOnContent", testCompleteIsIdempotentOnContent},
		{"StaleCompleteWritesNothing", testStaleCompleteWritesNothing},
		{"FailCountsAttempts", testFailCountsAttempts},
		{"ReleaseKeepsAttempts", testReleaseKeepsAttempts},
		{"ReclaimExpired", testReclaimExpired},
		{"InstanceLeases", testInstanceLeases},
		{"ReadSide", testReadSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func seed(t *testing.T, store crawler.Store, id, host string, at time.Time) crawler.WorkUnit {
	t.Helper()
	unit, created, err := store.Seed(context.Background(), crawler.SeedRequest{
		ID: id, Host: host, Strategy: "all", Epoch: "initial-" + id, Now: at,
	})
	require.NoError(t, err)
	require.True(t, created)
	return unit
}

func claim(t *testing.T, store crawler.Store, owner string, at time.Time) crawler.WorkUnit {
	t.Helper()
	unit, ok, err := store.Claim(context.Background(), crawler.ClaimRequest{
		Owner: owner, Now: at, LeaseDuration: time.Minute,
	})
	require.NoError(t, err)
	require.True(t, ok, "expected a claimable unit")
	return unit
}

func record(id, hash string) crawler.RepositoryRecord {
	return crawler.RepositoryRecord{
		Host:        "github",
		NativeID:    id,
		URL:         "https://github.com/o/" + id,
		Owner:       "o",
		Name:        id,
		FullName:    "o/" + id,
		Languages:   []string{"Go"},
		Stars:       1,
		ContentHash: hash,
	}
}

func testSeedIsIdempotent(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	req := crawler.SeedRequest{ID: "root-1", Host: "github", Strategy: "all", Epoch: "initial", Now: base}
	unit, created, err := store.Seed(ctx, req)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, crawler.UnitPending, unit.Status)
	require.Empty(t, unit.Cursor)

	req.ID = "root-2"
	again, created, err := store.Seed(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "root-1", again.ID)

	req.Epoch = "2026-03-02T00:00"
	_, created, err = store.Seed(ctx, req)
	require.NoError(t, err)
	require.True(t, created, "a new epoch gets its own root")
}

func testClaimOrderAndHosts(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "b-gitlab", "gitlab", base)
	seed(t, store, "a-github", "github", base.Add(time.Second))
	seed(t, store, "c-github", "github", base.Add(2*time.Second))

	first := claim(t, store, "inst-1", base.Add(time.Minute))
	require.Equal(t, "b-gitlab", first.ID, "oldest unit first")
	require.Equal(t, crawler.UnitClaimed, first.Status)
	require.Equal(t, "inst-1", first.ClaimOwner)
	require.NotNil(t, first.ClaimExpiresAt)
	require.True(t, first.ClaimExpiresAt.Equal(base.Add(2*time.Minute)))

	unit, ok, err := store.Claim(ctx, crawler.ClaimRequest{
		Owner: "inst-1", Hosts: []string{"github"}, Now: base.Add(time.Minute), LeaseDuration: time.Minute,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a-github", unit.ID)

	_, ok, err = store.Claim(ctx, crawler.ClaimRequest{
		Owner: "inst-1", Hosts: []string{"bitbucket"}, Now: base.Add(time.Minute), LeaseDuration: time.Minute,
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func testConcurrentClaimsAreExclusive(t *testing.T, store crawler.Store) {
	const units = 20
	for i := range units {
		seed(t, store, fmt.Sprintf("unit-%02d", i), "github", base.Add(time.Duration(i)*time.Millisecond))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims = make(map[string]string)
		errs   []error
	)
	for w := range 8 {
		owner := fmt.Sprintf("inst-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				unit, ok, err := store.Claim(context.Background(), crawler.ClaimRequest{
					Owner: owner, Now: base.Add(time.Minute), LeaseDuration: time.Minute,
				})
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if !ok {
					mu.Unlock()
					return
				}
				if prev, dup := claims[unit.ID]; dup {
					errs = append(errs, fmt.Errorf("unit %s claimed by %s and %s", unit.ID, prev, owner))
				}
				claims[unit.ID] = owner
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, claims, units)
}

func testCompleteUpsertsAndChains(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "root", "github", base)
	unit := claim(t, store, "inst-1", base)

	now := base.Add(10 * time.Second)
	res, err := store.Complete(ctx, crawler.CompleteRequest{
		UnitID:    unit.ID,
		Owner:     "inst-1",
		Now:       now,
		Records:   []crawler.RepositoryRecord{record("1", "h1"), record("2", "h2")},
		Successor: &crawler.WorkUnit{ID: "next", Cursor: "2"},
	})
	require.NoError(t, err)
	inserted, updated, unchanged := res.Counts()
	require.Equal(t, 2, inserted)
	require.Zero(t, updated)
	require.Zero(t, unchanged)
	require.Equal(t, "next", res.SuccessorID)

	done, err := store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.UnitDone, done.Status)
	require.NotNil(t, done.CompletedAt)

	next, err := store.GetUnit(ctx, "next")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitPending, next.Status)
	require.Equal(t, unit.ID, next.ParentID)
	require.Equal(t, "2", next.Cursor)
	require.Equal(t, unit.Host, next.Host)
	require.Equal(t, unit.Epoch, next.Epoch)

	rec, err := store.GetRecord(ctx, "github", "1")
	require.NoError(t, err)
	require.Equal(t, "h1", rec.ContentHash)
	require.Equal(t, unit.ID, rec.FirstSeenUnit)
	require.True(t, rec.LastSeenAt.Equal(now))
	require.Equal(t, []string{"Go"}, rec.Languages)

	// The successor carries on and the final unit completes without one.
	last := claim(t, store, "inst-1", now)
	require.Equal(t, "next", last.ID)
	changed := record("1", "h1-new")
	changed.Stars = 99
	res, err = store.Complete(ctx, crawler.CompleteRequest{
		UnitID: last.ID, Owner: "inst-1", Now: now.Add(time.Second),
		Records: []crawler.RepositoryRecord{changed, record("2", "h2")},
	})
	require.NoError(t, err)
	inserted, updated, unchanged = res.Counts()
	require.Zero(t, inserted)
	require.Equal(t, 1, updated)
	require.Equal(t, 1, unchanged)
	require.Empty(t, res.SuccessorID)

	rec, err = store.GetRecord(ctx, "github", "1")
	require.NoError(t, err)
	require.Equal(t, 99, rec.Stars)
	require.Equal(t, unit.ID, rec.FirstSeenUnit)
	require.Equal(t, last.ID, rec.LastChangedUnit)

	counts, err := store.CountUnits(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.UnitDone])
	require.Zero(t, counts[crawler.UnitPending])
}

func testCompleteIsIdempotentOnContent(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "r1", "github", base)
	seed(t, store, "r2", "github", base.Add(time.Second))

	first := claim(t, store, "inst-1", base)
	_, err := store.Complete(ctx, crawler.CompleteRequest{
		UnitID: first.ID, Owner: "inst-1", Now: base.Add(time.Second),
		Records: []crawler.RepositoryRecord{record("7", "same")},
	})
	require.NoError(t, err)
	before, err := store.GetRecord(ctx, "github", "7")
	require.NoError(t, err)

	second := claim(t, store, "inst-2", base.Add(time.Hour))
	res, err := store.Complete(ctx, crawler.CompleteRequest{
		UnitID: second.ID, Owner: "inst-2", Now: base.Add(time.Hour + time.Second),
		Records: []crawler.RepositoryRecord{record("7", "same")},
	})
	require.NoError(t, err)
	require.Equal(t, crawler.ChangeUnchanged, res.Outcomes[0].Change)

	after, err := store.GetRecord(ctx, "github", "7")
	require.NoError(t, err)
	require.True(t, before.LastSeenAt.Equal(after.LastSeenAt), "unchanged content must not be rewritten")
	require.Equal(t, before.LastChangedUnit, after.LastChangedUnit)
}

func testStaleCompleteWritesNothing(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "root", "github", base)
	unit := claim(t, store, "inst-1", base)

	// The claim lapses and another instance takes over.
	later := base.Add(2 * time.Minute)
	stolen := claim(t, store, "inst-2", later)
	require.Equal(t, unit.ID, stolen.ID)

	_, err := store.Complete(ctx, crawler.CompleteRequest{
		UnitID: unit.ID, Owner: "inst-1", Now: later,
		Records:   []crawler.RepositoryRecord{record("1", "h")},
		Successor: &crawler.WorkUnit{ID: "next", Cursor: "1"},
	})
	require.ErrorIs(t, err, crawler.ErrStaleClaim)

	_, err = store.GetRecord(ctx, "github", "1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.GetUnit(ctx, "next")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	current, err := store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.UnitClaimed, current.Status)
	require.Equal(t, "inst-2", current.ClaimOwner)

	// An expired claim is stale even before anyone else claims it.
	_, err = store.Complete(ctx, crawler.CompleteRequest{UnitID: unit.ID, Owner: "inst-2", Now: later.Add(time.Hour)})
	require.ErrorIs(t, err, crawler.ErrStaleClaim)
}

func testFailCountsAttempts(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "root", "github", base)

	at := base
	for attempt := 1; attempt <= 2; attempt++ {
		unit := claim(t, store, "inst-1", at)
		failed, err := store.Fail(ctx, crawler.FailRequest{
			UnitID: unit.ID, Owner: "inst-1", Reason: "boom", MaxAttempts: 3, Now: at,
		})
		require.NoError(t, err)
		require.Equal(t, crawler.UnitPending, failed.Status)
		require.Equal(t, attempt, failed.Attempts)
		require.Empty(t, failed.ClaimOwner)
		at = at.Add(time.Second)
	}

	unit := claim(t, store, "inst-1", at)
	failed, err := store.Fail(ctx, crawler.FailRequest{
		UnitID: unit.ID, Owner: "inst-1", Reason: "boom again", MaxAttempts: 3, Now: at,
	})
	require.NoError(t, err)
	require.Equal(t, crawler.UnitFailed, failed.Status)
	require.Equal(t, 3, failed.Attempts)
	require.Equal(t, "boom again", failed.LastError)

	_, ok, err := store.Claim(ctx, crawler.ClaimRequest{Owner: "inst-1", Now: at, LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.False(t, ok, "failed units are never claimed")

	seed(t, store, "terminal", "github", at)
	unit = claim(t, store, "inst-1", at)
	failed, err = store.Fail(ctx, crawler.FailRequest{
		UnitID: unit.ID, Owner: "inst-1", Reason: "404", Terminal: true, MaxAttempts: 3, Now: at,
	})
	require.NoError(t, err)
	require.Equal(t, crawler.UnitFailed, failed.Status)
	require.Equal(t, 1, failed.Attempts)

	_, err = store.Fail(ctx, crawler.FailRequest{UnitID: unit.ID, Owner: "inst-1", Now: at})
	require.ErrorIs(t, err, crawler.ErrStaleClaim)
}

func testReleaseKeepsAttempts(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "root", "github", base)
	unit := claim(t, store, "inst-1", base)

	require.ErrorIs(t, store.Release(ctx, unit.ID, "inst-2", base), crawler.ErrStaleClaim)
	require.NoError(t, store.Release(ctx, unit.ID, "inst-1", base))

	released, err := store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.UnitPending, released.Status)
	require.Zero(t, released.Attempts)
	require.Empty(t, released.ClaimOwner)
	require.Nil(t, released.ClaimExpiresAt)
}

func testReclaimExpired(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "old", "github", base)
	seed(t, store, "young", "github", base.Add(time.Second))

	claim(t, store, "inst-1", base)
	_, ok, err := store.Claim(ctx, crawler.ClaimRequest{
		Owner: "inst-1", Now: base.Add(30 * time.Second), LeaseDuration: time.Hour,
	})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.ReclaimExpired(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	old, err := store.GetUnit(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitPending, old.Status)
	young, err := store.GetUnit(ctx, "young")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitClaimed, young.Status)

	again := claim(t, store, "inst-2", base.Add(2*time.Minute))
	require.Equal(t, "old", again.ID)
}

func testInstanceLeases(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	for _, id := range []string{"inst-1", "inst-2"} {
		require.NoError(t, store.RegisterInstance(ctx, crawler.InstanceLease{
			ID: id, Hostname: "node", PID: 42, StartedAt: base, LastHeartbeatAt: base,
		}))
	}
	seed(t, store, "u1", "github", base)
	seed(t, store, "u2", "github", base.Add(time.Second))
	claim(t, store, "inst-1", base)
	claim(t, store, "inst-2", base)

	n, err := store.Heartbeat(ctx, "inst-1", base.Add(30*time.Second), base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	held, err := store.GetUnit(ctx, "u1")
	require.NoError(t, err)
	require.True(t, held.ClaimExpiresAt.Equal(base.Add(5*time.Minute)))

	// inst-2 stopped heartbeating; a sweep expires it and frees its unit.
	expired, err := store.ExpireStaleInstances(ctx, base.Add(10*time.Second), base.Add(45*time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"inst-2"}, expired)
	freed, err := store.GetUnit(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitPending, freed.Status)

	_, err = store.Heartbeat(ctx, "inst-2", base.Add(50*time.Second), base.Add(5*time.Minute))
	require.True(t, errors.Is(err, crawler.ErrLeaseExpired))
	_, err = store.Heartbeat(ctx, "unknown", base, base)
	require.ErrorIs(t, err, crawler.ErrLeaseExpired)

	n, err = store.ExpireInstance(ctx, "inst-1", base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	leases, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	for _, lease := range leases {
		require.Equal(t, crawler.InstanceExpired, lease.Status)
		require.NotNil(t, lease.ExpiredAt)
	}
}

func testReadSide(t *testing.T, store crawler.Store) {
	ctx := context.Background()
	seed(t, store, "u1", "github", base)
	seed(t, store, "u2", "gitlab", base.Add(time.Second))
	seed(t, store, "u3", "github", base.Add(2*time.Second))
	claim(t, store, "inst-1", base)

	units, err := store.ListUnits(ctx, crawler.UnitFilter{Host: "github"})
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Equal(t, "u1", units[0].ID)

	units, err = store.ListUnits(ctx, crawler.UnitFilter{Status: crawler.UnitPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, "u2", units[0].ID)

	units, err = store.ListUnits(ctx, crawler.UnitFilter{Owner: "inst-1"})
	require.NoError(t, err)
	require.Len(t, units, 1)

	counts, err := store.CountUnits(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[crawler.UnitPending])
	require.Equal(t, 1, counts[crawler.UnitClaimed])

	_, err = store.GetUnit(ctx, "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
