package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/clock/manual"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/repo-collector/internal/publisher/memory"
	"github.com/JakeFAU/repo-collector/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("succ-%d", s.n.Add(1)), nil
}

type harness struct {
	store  *memory.Store
	clock  *manual.Clock
	pub    *pubmemory.Publisher
	writer *Writer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewStore(),
		clock: manual.New(start),
		pub:   pubmemory.New(),
	}
	h.writer = New(h.store, sha256.New(), &seqIDs{}, h.clock, h.pub, Config{Topic: "handoff"}, zap.NewNop())
	return h
}

func (h *harness) claimRoot(t *testing.T, id string) crawler.WorkUnit {
	t.Helper()
	ctx := context.Background()
	_, _, err := h.store.Seed(ctx, crawler.SeedRequest{ID: id, Host: "github", Strategy: "all", Epoch: "e-" + id, Now: h.clock.Now()})
	require.NoError(t, err)
	unit, ok, err := h.store.Claim(ctx, crawler.ClaimRequest{Owner: "inst", Now: h.clock.Now(), LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, unit.ID)
	return unit
}

func repo(id string, stars int) crawler.RepositoryRecord {
	return crawler.RepositoryRecord{
		NativeID:  id,
		URL:       "https://github.com/o/r" + id,
		Owner:     "o",
		Name:      "r" + id,
		FullName:  "o/r" + id,
		Languages: []string{"Shell", "Go", "Go"},
		Stars:     stars,
	}
}

func TestCommitInsertsChainsAndHandsOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	unit := h.claimRoot(t, "u1")

	res, err := h.writer.Commit(context.Background(), unit, "inst", crawler.Page{
		Records: []crawler.RepositoryRecord{repo("1", 5), repo("2", 7)},
		Next:    "2",
	})
	require.NoError(t, err)
	require.Equal(t, CommitResult{Inserted: 2, SuccessorID: "succ-1"}, res)

	done, err := h.store.GetUnit(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitDone, done.Status)

	succ, err := h.store.GetUnit(context.Background(), "succ-1")
	require.NoError(t, err)
	require.Equal(t, "2", succ.Cursor)
	require.Equal(t, "u1", succ.ParentID)
	require.Equal(t, crawler.UnitPending, succ.Status)

	rec, err := h.store.GetRecord(context.Background(), "github", "1")
	require.NoError(t, err)
	require.Equal(t, []string{"Go", "Shell"}, rec.Languages)
	require.Len(t, rec.ContentHash, 64)

	handoffs := h.pub.Handoffs()
	require.Len(t, handoffs, 2)
	require.Equal(t, crawler.ChangeInserted, handoffs[0].Change)
	require.Equal(t, "u1", handoffs[0].UnitID)
	require.Equal(t, "https://github.com/o/r1", handoffs[0].URL)
}

func TestCommitUnchangedContentWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	first := h.claimRoot(t, "u1")
	_, err := h.writer.Commit(ctx, first, "inst", crawler.Page{Records: []crawler.RepositoryRecord{repo("1", 5)}, Complete: true})
	require.NoError(t, err)
	before, err := h.store.GetRecord(ctx, "github", "1")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	second := h.claimRoot(t, "u2")
	res, err := h.writer.Commit(ctx, second, "inst", crawler.Page{Records: []crawler.RepositoryRecord{repo("1", 5)}, Complete: true})
	require.NoError(t, err)
	require.Equal(t, CommitResult{Unchanged: 1}, res)

	after, err := h.store.GetRecord(ctx, "github", "1")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Len(t, h.pub.Handoffs(), 1)

	h.clock.Advance(time.Hour)
	third := h.claimRoot(t, "u3")
	res, err = h.writer.Commit(ctx, third, "inst", crawler.Page{Records: []crawler.RepositoryRecord{repo("1", 6)}, Complete: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)

	updated, err := h.store.GetRecord(ctx, "github", "1")
	require.NoError(t, err)
	require.Equal(t, "u1", updated.FirstSeenUnit)
	require.Equal(t, "u3", updated.LastChangedUnit)
	require.NotEqual(t, before.ContentHash, updated.ContentHash)
	require.Equal(t, crawler.ChangeUpdated, h.pub.Handoffs()[1].Change)
}

func TestCommitStaleClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	unit := h.claimRoot(t, "u1")
	h.clock.Advance(2 * time.Minute)

	_, err := h.writer.Commit(context.Background(), unit, "inst", crawler.Page{
		Records: []crawler.RepositoryRecord{repo("1", 5)},
		Next:    "1",
	})
	require.ErrorIs(t, err, crawler.ErrStaleClaim)
	require.Equal(t, 0, h.store.RecordCount())
	require.Empty(t, h.pub.Messages())

	_, err = h.store.GetUnit(context.Background(), "succ-1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCommitSurvivesPublishFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pub.FailWith(errors.New("broker down"))
	unit := h.claimRoot(t, "u1")

	res, err := h.writer.Commit(context.Background(), unit, "inst", crawler.Page{
		Records:  []crawler.RepositoryRecord{repo("1", 5)},
		Complete: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, h.store.RecordCount())
}

func TestCommitDeduplicatesWithinPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	unit := h.claimRoot(t, "u1")

	res, err := h.writer.Commit(context.Background(), unit, "inst", crawler.Page{
		Records:  []crawler.RepositoryRecord{repo("1", 5), repo("1", 9)},
		Complete: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	rec, err := h.store.GetRecord(context.Background(), "github", "1")
	require.NoError(t, err)
	require.Equal(t, 5, rec.Stars)
}

func TestCommitRejectsRecordWithoutID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	unit := h.claimRoot(t, "u1")
	_, err := h.writer.Commit(context.Background(), unit, "inst", crawler.Page{
		Records:  []crawler.RepositoryRecord{{Name: "orphan"}},
		Complete: true,
	})
	require.ErrorIs(t, err, crawler.ErrParse)

	held, err := h.store.GetUnit(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, crawler.UnitClaimed, held.Status)
}

func TestContentHashIgnoresBookkeeping(t *testing.T) {
	t.Parallel()

	hasher := sha256.New()
	a := repo("1", 5)
	a.Host = "github"
	b := a
	b.Languages = []string{"Go", "Shell"}
	b.LastSeenAt = start
	b.FirstSeenUnit = "u9"
	b.LastChangedUnit = "u10"
	b.ContentHash = "stale"
	local := start.In(time.FixedZone("x", 7200))
	a.PushedAt = &start
	b.PushedAt = &local

	ha, err := ContentHash(hasher, a)
	require.NoError(t, err)
	hb, err := ContentHash(hasher, b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	b.Description = "changed"
	hc, err := ContentHash(hasher, b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}
