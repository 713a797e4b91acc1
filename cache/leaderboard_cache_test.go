package cache

import (
	"testing"
	"time"

	"heartledger/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderboardCache_RoundTrip(t *testing.T) {
	c, err := New(true, 1, time.Minute)
	require.NoError(t, err)

	start := time.Date(2025, 1, 12, 15, 0, 0, 0, time.UTC)
	asOf := start.Add(36 * time.Hour)
	snap := &models.LeaderboardSnapshot{
		Period:      models.PeriodWeek,
		BucketStart: start,
		AsOf:        asOf,
		Totals:      map[int64]int64{1: 150, 42: 7},
	}

	_, ok := c.Get(models.PeriodWeek, start)
	assert.False(t, ok)

	require.NoError(t, c.Set(snap))

	got, ok := c.Get(models.PeriodWeek, start)
	require.True(t, ok)
	assert.Equal(t, snap.Totals, got.Totals)
	assert.True(t, got.AsOf.Equal(asOf))
	assert.True(t, got.BucketStart.Equal(start))

	// Buckets are keyed by period as well as start
	_, ok = c.Get(models.PeriodMonth, start)
	assert.False(t, ok)

	c.Delete(models.PeriodWeek, start)
	_, ok = c.Get(models.PeriodWeek, start)
	assert.False(t, ok)
}

func TestLeaderboardCache_Overwrite(t *testing.T) {
	c, err := New(true, 1, time.Minute)
	require.NoError(t, err)

	start := time.Unix(0, 0).UTC()
	require.NoError(t, c.Set(&models.LeaderboardSnapshot{Period: models.PeriodAllTime, BucketStart: start, Totals: map[int64]int64{1: 1}}))
	require.NoError(t, c.Set(&models.LeaderboardSnapshot{Period: models.PeriodAllTime, BucketStart: start, Totals: map[int64]int64{1: 2}}))

	got, ok := c.Get(models.PeriodAllTime, start)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Totals[1])

	entries, _ := c.(*LeaderboardCache).Stats()
	assert.Equal(t, int64(1), entries)
}

func TestLeaderboardCache_Disabled(t *testing.T) {
	for _, tc := range []struct {
		name    string
		enabled bool
		size    int
	}{
		{"disabled", false, 16},
		{"zero size", true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.enabled, tc.size, time.Minute)
			require.NoError(t, err)

			start := time.Unix(0, 0).UTC()
			require.NoError(t, c.Set(&models.LeaderboardSnapshot{Period: models.PeriodAllTime, BucketStart: start}))
			_, ok := c.Get(models.PeriodAllTime, start)
			assert.False(t, ok)
		})
	}
}
