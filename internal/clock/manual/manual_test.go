package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	clk := New(start)
	require.Equal(t, time.UTC, clk.Now().Location())
	require.True(t, clk.Now().Equal(start))

	clk.Advance(time.Minute)
	require.True(t, clk.Now().Equal(start.Add(time.Minute)))

	clk.Set(start)
	require.True(t, clk.Now().Equal(start))
}
