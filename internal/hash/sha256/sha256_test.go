package sha256_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/hash/sha256"
	"github.com/JakeFAU/repo-collector/internal/writer"
)

var _ crawler.Hasher = (*sha256.Hasher)(nil)

func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := sha256.New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	_, err = sha256.New().Hash(nil)
	require.Error(t, err)
}

func TestCanonicalRecordHash(t *testing.T) {
	t.Parallel()

	pushed := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	local := pushed.In(time.FixedZone("CET", 3600))
	a := crawler.RepositoryRecord{
		Host:      "github",
		NativeID:  "42",
		FullName:  "octo/hello",
		Languages: []string{"Go", "C"},
		Topics:    []string{"cli"},
		Stars:     7,
		PushedAt:  &pushed,
	}
	b := a
	b.Languages = []string{"C", "Go", "C"}
	b.PushedAt = &local
	b.LastSeenAt = pushed

	hasher := sha256.New()
	ha, err := writer.ContentHash(hasher, a)
	require.NoError(t, err)
	hb, err := writer.ContentHash(hasher, b)
	require.NoError(t, err)
	require.Len(t, ha, 64)
	require.Equal(t, ha, hb)

	b.Stars = 8
	hc, err := writer.ContentHash(hasher, b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}
