package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/storage/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := NewWithDB(db)
	require.NoError(t, err)
	return store
}

func TestStoreBehaviour(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) crawler.Store { return openTestStore(t) })
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	require.ErrorContains(t, err, "unsupported gorm driver")

	_, err = Open(Config{Driver: "sqlite"})
	require.ErrorContains(t, err, "dsn is required")

	_, err = NewWithDB(nil)
	require.Error(t, err)
}

func TestOpenSQLite(t *testing.T) {
	t.Parallel()

	store, err := Open(Config{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.False(t, store.lock)

	counts, err := store.CountUnits(context.Background())
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestRecordListsRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := openTestStore(t)

	_, _, err := store.Seed(ctx, crawler.SeedRequest{ID: "u1", Host: "gitlab", Strategy: "all", Epoch: "initial", Now: now})
	require.NoError(t, err)
	_, ok, err := store.Claim(ctx, crawler.ClaimRequest{Owner: "i", Now: now, LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)

	pushed := now.Add(-time.Hour)
	_, err = store.Complete(ctx, crawler.CompleteRequest{
		UnitID: "u1",
		Owner:  "i",
		Now:    now,
		Records: []crawler.RepositoryRecord{{
			Host:        "gitlab",
			NativeID:    "42",
			Languages:   []string{"Go", "Shell"},
			Topics:      []string{"cli"},
			PushedAt:    &pushed,
			ContentHash: "h1",
		}},
	})
	require.NoError(t, err)

	got, err := store.GetRecord(ctx, "gitlab", "42")
	require.NoError(t, err)
	require.Equal(t, []string{"Go", "Shell"}, got.Languages)
	require.Equal(t, []string{"cli"}, got.Topics)
	require.NotNil(t, got.PushedAt)
	require.True(t, got.PushedAt.Equal(pushed))
	require.Nil(t, got.CreatedAt)
	require.Equal(t, "u1", got.FirstSeenUnit)
}

func TestUnavailableClassification(t *testing.T) {
	t.Parallel()

	require.True(t, unavailable(gorm.ErrDuplicatedKey))
	require.True(t, unavailable(errString("database is locked")))
	require.False(t, unavailable(gorm.ErrRecordNotFound))

	err := fail("claim", errString("database is locked"))
	require.ErrorIs(t, err, crawler.ErrLedgerUnavailable)
	require.ErrorIs(t, fail("release", crawler.ErrStaleClaim), crawler.ErrStaleClaim)
}

type errString string

func (e errString) Error() string { return string(e) }
