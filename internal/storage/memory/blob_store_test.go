package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/github/all/u1.raw", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/github/all/u1.raw", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), "raw/github/all/u1.raw")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), "raw/github/all/u1.raw")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.GetObject(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
