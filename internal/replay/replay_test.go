package replay

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/adapter"
	"github.com/JakeFAU/repo-collector/internal/adapter/adaptertest"
	"github.com/JakeFAU/repo-collector/internal/clock/manual"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/hash/sha256"
	"github.com/JakeFAU/repo-collector/internal/storage/memory"
	"github.com/JakeFAU/repo-collector/internal/worker"
	"github.com/JakeFAU/repo-collector/internal/writer"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("unit-%d", s.n.Add(1)), nil }

type alwaysHealthy struct{}

func (alwaysHealthy) Healthy() bool      { return true }
func (alwaysHealthy) InstanceID() string { return "inst" }

type fixture struct {
	store    *memory.Store
	archive  *memory.BlobStore
	registry *adapter.Registry
	verifier *Verifier
}

// collect runs the root unit of a two-page chain through a worker so the
// archive and ledger hold what production would.
func collect(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	clk := manual.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := fixture{
		store:    memory.NewStore(),
		archive:  memory.NewBlobStore(),
		registry: adapter.NewRegistry(),
	}
	host := adaptertest.New("fakehub", adaptertest.Chain(2, 2))
	require.NoError(t, f.registry.Register(host, host))

	w := writer.New(f.store, sha256.New(), &seqIDs{}, clk, nil, writer.Config{}, zap.NewNop())
	wk := worker.New(0, f.store, f.registry, w, f.archive, nil, alwaysHealthy{}, clk, worker.Config{ArchivePrefix: "raw"}, zap.NewNop())

	_, _, err := f.store.Seed(ctx, crawler.SeedRequest{ID: "root", Host: "fakehub", Strategy: "all", Epoch: "initial", Now: clk.Now()})
	require.NoError(t, err)
	unit, ok, err := f.store.Claim(ctx, crawler.ClaimRequest{Owner: "inst", Now: clk.Now(), LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, worker.OutcomeDone, wk.Process(ctx, unit, "inst"))

	f.verifier = New(f.store, f.archive, f.registry, sha256.New(), "raw", zap.NewNop())
	return f
}

func TestVerifyMatches(t *testing.T) {
	t.Parallel()

	f := collect(t)
	report, err := f.verifier.VerifyID(context.Background(), "root")
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, 2, report.Matched)
	require.Equal(t, "p2", report.Next)
}

func TestVerifyReportsMissingRecords(t *testing.T) {
	t.Parallel()

	f := collect(t)
	_, err := f.archive.PutObject(context.Background(), "raw/fakehub/all/root.raw", "text/plain", bytes.NewReader([]byte("p2\n1,9")))
	require.NoError(t, err)

	report, err := f.verifier.VerifyID(context.Background(), "root")
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, 1, report.Matched)
	require.Equal(t, []string{"fakehub/9"}, report.Missing)
}

type tamperedReader struct {
	Reader
	lastChanged string
}

func (r tamperedReader) GetRecord(ctx context.Context, host, id string) (crawler.RepositoryRecord, error) {
	rec, err := r.Reader.GetRecord(ctx, host, id)
	if err == nil && id == "2" {
		rec.ContentHash = "different"
		if r.lastChanged != "" {
			rec.LastChangedUnit = r.lastChanged
		}
	}
	return rec, err
}

func TestVerifyClassifiesHashDifferences(t *testing.T) {
	t.Parallel()

	f := collect(t)
	ctx := context.Background()

	mismatch := New(tamperedReader{Reader: f.store}, f.archive, f.registry, sha256.New(), "raw", nil)
	report, err := mismatch.VerifyID(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, []string{"fakehub/2"}, report.Mismatched)

	superseded := New(tamperedReader{Reader: f.store, lastChanged: "later"}, f.archive, f.registry, sha256.New(), "raw", nil)
	report, err = superseded.VerifyID(ctx, "root")
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, []string{"fakehub/2"}, report.Superseded)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	f := collect(t)
	ctx := context.Background()

	_, err := f.verifier.VerifyID(ctx, "unit-1")
	require.ErrorContains(t, err, "only done units")

	_, err = f.verifier.VerifyID(ctx, "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = f.verifier.Verify(ctx, crawler.WorkUnit{ID: "x", Host: "other", Status: crawler.UnitDone})
	require.ErrorContains(t, err, "no adapter")

	_, err = f.verifier.Verify(ctx, crawler.WorkUnit{ID: "x", Host: "fakehub", Strategy: "all", Status: crawler.UnitDone})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestVerifyDone(t *testing.T) {
	t.Parallel()

	f := collect(t)
	reports, err := f.verifier.VerifyDone(context.Background(), "fakehub", 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "root", reports[0].UnitID)
}
