package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "now %v outside [%v, %v]", got, before, after)
}

func TestManualAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), clk.Now())
	require.Equal(t, start.Add(90*time.Second), clk.Now())
}
