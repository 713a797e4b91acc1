package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"heartledger/events"
	"heartledger/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memoryCache is a map-backed LeaderboardCache for tests
type memoryCache struct {
	mu    sync.Mutex
	items map[string]*models.LeaderboardSnapshot
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[string]*models.LeaderboardSnapshot)}
}

func cacheKey(period models.Period, start time.Time) string {
	return string(period) + "|" + start.UTC().Format(time.RFC3339)
}

func (c *memoryCache) Get(period models.Period, start time.Time) (*models.LeaderboardSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[cacheKey(period, start)]
	return s, ok
}

func (c *memoryCache) Set(s *models.LeaderboardSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(s.Period, s.BucketStart)] = s
	return nil
}

func (c *memoryCache) Delete(period models.Period, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey(period, start))
}

func TestRankTotals_Ordering(t *testing.T) {
	totals := map[int64]int64{
		5: 100,
		2: 300,
		9: 100,
		1: 100,
		7: 50,
	}

	rows := RankTotals(totals, 10, models.RankingPolicy{})
	require.Len(t, rows, 5)

	assert.Equal(t, []int64{2, 1, 5, 9, 7}, streamerIDs(rows))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, ranks(rows))

	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		assert.True(t, prev.TotalPoints > cur.TotalPoints ||
			(prev.TotalPoints == cur.TotalPoints && prev.StreamerID < cur.StreamerID))
	}

	// Same input, same output
	assert.Equal(t, rows, RankTotals(totals, 10, models.RankingPolicy{}))
}

func TestRankTotals_DensePolicy(t *testing.T) {
	totals := map[int64]int64{1: 100, 2: 100, 3: 80, 4: 80, 5: 10}

	rows := RankTotals(totals, 10, models.RankingPolicy{Dense: true})
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, streamerIDs(rows))
	assert.Equal(t, []int{1, 1, 2, 2, 3}, ranks(rows))
}

func TestRankTotals_Limit(t *testing.T) {
	totals := map[int64]int64{1: 10, 2: 20, 3: 30}

	rows := RankTotals(totals, 2, models.RankingPolicy{})
	assert.Equal(t, []int64{3, 2}, streamerIDs(rows))

	assert.Empty(t, RankTotals(map[int64]int64{}, 5, models.RankingPolicy{}))
}

func TestLeaderboardService_InvalidArguments(t *testing.T) {
	svc := NewLeaderboardService(new(MockUnitOfWorkFactory), nil, LeaderboardOptions{Location: kst})
	ctx := context.Background()

	_, err := svc.Leaderboard(ctx, models.PeriodWeek, time.Now(), 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = svc.Leaderboard(ctx, models.PeriodAllTime, time.Now(), -3)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = svc.Leaderboard(ctx, models.Period("YEAR"), time.Now(), 10)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestLeaderboardService_ScansWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, kst)
	weekStart := time.Date(2025, 1, 13, 0, 0, 0, 0, kst).UTC()

	ledger := new(MockLedgerRepository)
	uow := new(MockUnitOfWork)
	uow.SetRepositories(ledger, nil)
	factory := new(MockUnitOfWorkFactory)

	factory.On("Create").Return(uow)
	uow.On("Begin", ctx).Return(nil)
	uow.On("Rollback").Return(nil)
	ledger.On("SumByStreamerInRange", ctx, models.LeaderboardKinds, weekStart, now, []int64(nil)).
		Return(map[int64]int64{1: 150, 2: 90}, nil)

	svc := NewLeaderboardService(factory, nil, LeaderboardOptions{Location: kst, Clock: func() time.Time { return now }})

	rows, err := svc.Leaderboard(ctx, models.PeriodWeek, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []*models.LeaderboardRow{
		{StreamerID: 1, TotalPoints: 150, Rank: 1},
		{StreamerID: 2, TotalPoints: 90, Rank: 2},
	}, rows)

	ledger.AssertExpectations(t)
}

func TestLeaderboardService_Cache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, kst)

	newService := func() (LeaderboardService, *MockLedgerRepository, *memoryCache) {
		ledger := new(MockLedgerRepository)
		uow := new(MockUnitOfWork)
		uow.SetRepositories(ledger, nil)
		factory := new(MockUnitOfWorkFactory)
		factory.On("Create").Return(uow)
		uow.On("Begin", mock.Anything).Return(nil)
		uow.On("Rollback").Return(nil)

		cache := newMemoryCache()
		svc := NewLeaderboardService(factory, cache, LeaderboardOptions{
			Location:       kst,
			CacheFreshness: time.Minute,
			Clock:          func() time.Time { return now },
		})
		return svc, ledger, cache
	}

	t.Run("second read is served from cache", func(t *testing.T) {
		svc, ledger, _ := newService()
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(map[int64]int64{1: 10}, nil).Once()

		first, err := svc.Leaderboard(ctx, models.PeriodAllTime, now, 5)
		require.NoError(t, err)
		second, err := svc.Leaderboard(ctx, models.PeriodAllTime, now, 5)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		ledger.AssertNumberOfCalls(t, "SumByStreamerInRange", 1)
	})

	t.Run("gift append invalidates", func(t *testing.T) {
		svc, ledger, _ := newService()
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(map[int64]int64{1: 10}, nil).Once()
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(map[int64]int64{1: 60}, nil).Once()

		_, err := svc.Leaderboard(ctx, models.PeriodWeek, now, 5)
		require.NoError(t, err)

		handler := EntryAppendedHandler(svc)
		// Grants do not touch streamer totals
		handler(ctx, events.LedgerEntryAppendedEvent{Kind: models.EntryKindDailyGrant, CreatedAt: now})
		rows, err := svc.Leaderboard(ctx, models.PeriodWeek, now, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(10), rows[0].TotalPoints)

		handler(ctx, events.LedgerEntryAppendedEvent{Kind: models.EntryKindGiftReceive, CreatedAt: now})
		rows, err = svc.Leaderboard(ctx, models.PeriodWeek, now, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(60), rows[0].TotalPoints)
	})

	t.Run("historical asOf bypasses cache", func(t *testing.T) {
		svc, ledger, cache := newService()
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(map[int64]int64{3: 1}, nil)

		past := now.Add(-48 * time.Hour)
		_, err := svc.Leaderboard(ctx, models.PeriodAllTime, past, 5)
		require.NoError(t, err)
		_, err = svc.Leaderboard(ctx, models.PeriodAllTime, past, 5)
		require.NoError(t, err)

		ledger.AssertNumberOfCalls(t, "SumByStreamerInRange", 2)
		assert.Empty(t, cache.items)
	})

	t.Run("reconcile overwrites diverged buckets", func(t *testing.T) {
		svc, ledger, cache := newService()
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(map[int64]int64{1: 99}, nil)

		start, err := WindowStart(models.PeriodMonth, now, kst)
		require.NoError(t, err)
		require.NoError(t, cache.Set(&models.LeaderboardSnapshot{
			Period:      models.PeriodMonth,
			BucketStart: start,
			AsOf:        now.Add(-time.Minute),
			Totals:      map[int64]int64{1: 5},
		}))

		diverged, err := svc.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, diverged)

		snap, ok := cache.Get(models.PeriodMonth, start)
		require.True(t, ok)
		assert.Equal(t, map[int64]int64{1: 99}, snap.Totals)
		assert.Len(t, cache.items, len(models.Periods))
	})
}

// slowSetCache invalidates concurrently from inside its first Set, before the
// snapshot is written
type slowSetCache struct {
	*memoryCache
	svc         LeaderboardService
	invalidated chan struct{}
	once        sync.Once
}

func (c *slowSetCache) Set(snap *models.LeaderboardSnapshot) error {
	c.once.Do(func() {
		go func() {
			c.svc.InvalidateFor(snap.AsOf)
			close(c.invalidated)
		}()
		time.Sleep(50 * time.Millisecond)
	})
	return c.memoryCache.Set(snap)
}

func TestLeaderboardService_InvalidationWinsOverConcurrentStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, kst)

	t.Run("invalidation during cache write", func(t *testing.T) {
		ledger := new(MockLedgerRepository)
		uow := new(MockUnitOfWork)
		uow.SetRepositories(ledger, nil)
		factory := new(MockUnitOfWorkFactory)
		factory.On("Create").Return(uow)
		uow.On("Begin", mock.Anything).Return(nil)
		uow.On("Rollback").Return(nil)
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(map[int64]int64{1: 10}, nil)

		cache := &slowSetCache{memoryCache: newMemoryCache(), invalidated: make(chan struct{})}
		svc := NewLeaderboardService(factory, cache, LeaderboardOptions{
			Location: kst,
			Clock:    func() time.Time { return now },
		})
		cache.svc = svc

		_, err := svc.Leaderboard(ctx, models.PeriodWeek, now, 5)
		require.NoError(t, err)

		select {
		case <-cache.invalidated:
		case <-time.After(5 * time.Second):
			t.Fatal("invalidation did not finish")
		}

		start, err := WindowStart(models.PeriodWeek, now, kst)
		require.NoError(t, err)
		_, ok := cache.Get(models.PeriodWeek, start)
		assert.False(t, ok, "stale totals must not survive an invalidation")
	})

	t.Run("invalidation during scan", func(t *testing.T) {
		ledger := new(MockLedgerRepository)
		uow := new(MockUnitOfWork)
		uow.SetRepositories(ledger, nil)
		factory := new(MockUnitOfWorkFactory)
		factory.On("Create").Return(uow)
		uow.On("Begin", mock.Anything).Return(nil)
		uow.On("Rollback").Return(nil)

		cache := newMemoryCache()
		svc := NewLeaderboardService(factory, cache, LeaderboardOptions{
			Location: kst,
			Clock:    func() time.Time { return now },
		})
		ledger.On("SumByStreamerInRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { svc.InvalidateFor(now) }).
			Return(map[int64]int64{1: 10}, nil)

		rows, err := svc.Leaderboard(ctx, models.PeriodMonth, now, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(10), rows[0].TotalPoints)
		assert.Empty(t, cache.items)
	})
}

func streamerIDs(rows []*models.LeaderboardRow) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.StreamerID
	}
	return out
}

func ranks(rows []*models.LeaderboardRow) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.Rank
	}
	return out
}
