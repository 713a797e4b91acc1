package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"heartledger/events"
	"heartledger/models"

	log "github.com/sirupsen/logrus"
)

// LeaderboardOptions configures the aggregation engine
type LeaderboardOptions struct {
	Location *time.Location
	Ranking  models.RankingPolicy
	// CacheFreshness is how far behind now a request's asOf may be and still
	// be served from or written to the cache
	CacheFreshness time.Duration
	Clock          Clock
	Metrics        MetricsRecorder
}

// leaderboardService implements the LeaderboardService interface
type leaderboardService struct {
	uowFactory UnitOfWorkFactory
	cache      LeaderboardCache
	loc        *time.Location
	ranking    models.RankingPolicy
	freshness  time.Duration
	clock      Clock
	metrics    MetricsRecorder

	// generation increases on every invalidation so a scan that raced with
	// an append does not overwrite the invalidation with stale totals.
	// storeMu orders the check-and-store against InvalidateFor.
	generation atomic.Uint64
	storeMu    sync.Mutex
}

// NewLeaderboardService creates a new aggregation engine. cache may be nil.
func NewLeaderboardService(uowFactory UnitOfWorkFactory, cache LeaderboardCache, opts LeaderboardOptions) LeaderboardService {
	s := &leaderboardService{
		uowFactory: uowFactory,
		cache:      cache,
		loc:        opts.Location,
		ranking:    opts.Ranking,
		freshness:  opts.CacheFreshness,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.freshness <= 0 {
		s.freshness = time.Minute
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.metrics == nil {
		s.metrics = NoopMetrics{}
	}
	return s
}

// Leaderboard ranks streamers by points in the period window ending at asOf
func (s *leaderboardService) Leaderboard(ctx context.Context, period models.Period, asOf time.Time, limit int) ([]*models.LeaderboardRow, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if !period.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	start, err := WindowStart(period, asOf, s.loc)
	if err != nil {
		return nil, err
	}

	totals, err := s.totals(ctx, period, start, asOf)
	if err != nil {
		return nil, err
	}

	return RankTotals(totals, limit, s.ranking), nil
}

// totals returns per-streamer sums for [start, asOf), using the cache when
// asOf is recent and the cached snapshot is not newer than asOf
func (s *leaderboardService) totals(ctx context.Context, period models.Period, start, asOf time.Time) (map[int64]int64, error) {
	cacheable := s.cache != nil && !asOf.Before(s.clock().Add(-s.freshness))

	if cacheable {
		if snap, ok := s.cache.Get(period, start); ok && !snap.AsOf.After(asOf) {
			s.metrics.LeaderboardCacheLookup(period, true)
			return snap.Totals, nil
		}
		s.metrics.LeaderboardCacheLookup(period, false)
	}

	gen := s.generation.Load()
	totals, err := s.scan(ctx, start, asOf)
	if err != nil {
		return nil, err
	}

	if cacheable {
		s.storeIfCurrent(gen, period, start, asOf, totals)
	}

	return totals, nil
}

func (s *leaderboardService) scan(ctx context.Context, start, asOf time.Time) (map[int64]int64, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	totals, err := uow.LedgerRepository().SumByStreamerInRange(ctx, models.LeaderboardKinds, start, asOf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate leaderboard: %w", err)
	}
	return totals, nil
}

// storeIfCurrent caches totals unless an invalidation ran after gen was read
func (s *leaderboardService) storeIfCurrent(gen uint64, period models.Period, start, asOf time.Time, totals map[int64]int64) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.generation.Load() != gen {
		return
	}
	err := s.cache.Set(&models.LeaderboardSnapshot{
		Period:      period,
		BucketStart: start,
		AsOf:        asOf,
		Totals:      totals,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"period":      period,
			"bucketStart": start,
		}).WithError(err).Warn("Failed to cache leaderboard totals")
	}
}

// Reconcile rescans the current bucket of every period and overwrites the
// cache. Returns the number of buckets whose cached totals had diverged.
func (s *leaderboardService) Reconcile(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}

	now := s.clock()
	diverged := 0
	var errs []error

	for _, period := range models.Periods {
		start, err := WindowStart(period, now, s.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		gen := s.generation.Load()
		totals, err := s.scan(ctx, start, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("period %s: %w", period, err))
			continue
		}

		if snap, ok := s.cache.Get(period, start); ok && !sameTotals(snap.Totals, totals) && snap.AsOf.Before(now) {
			// Entries appended after snap.AsOf legitimately differ; only
			// count buckets that no invalidation has touched since
			if s.generation.Load() == gen {
				diverged++
				log.WithFields(log.Fields{
					"period":      period,
					"bucketStart": start,
					"cachedAsOf":  snap.AsOf,
				}).Debug("Leaderboard cache differed from ledger scan")
			}
		}

		s.storeIfCurrent(gen, period, start, now, totals)
	}

	return diverged, errors.Join(errs...)
}

// InvalidateFor drops cached buckets that contain the given instant
func (s *leaderboardService) InvalidateFor(createdAt time.Time) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	s.generation.Add(1)
	if s.cache == nil {
		return
	}
	for _, period := range models.Periods {
		start, err := WindowStart(period, createdAt, s.loc)
		if err != nil {
			continue
		}
		s.cache.Delete(period, start)
	}
}

// EntryAppendedHandler returns the bus handler that invalidates cached
// buckets for entries counting toward the leaderboard. Subscribed to the local
// event bus and fed by the NATS bridge.
func EntryAppendedHandler(svc LeaderboardService) events.Handler {
	return func(_ context.Context, event events.Event) {
		appended, ok := event.(events.LedgerEntryAppendedEvent)
		if !ok || !appended.Kind.CountsTowardLeaderboard() {
			return
		}
		svc.InvalidateFor(appended.CreatedAt)
	}
}

// RankTotals orders totals by points descending then streamer id ascending,
// assigns 1-based ranks under the policy, and keeps the first limit rows
func RankTotals(totals map[int64]int64, limit int, policy models.RankingPolicy) []*models.LeaderboardRow {
	rows := make([]*models.LeaderboardRow, 0, len(totals))
	for streamerID, total := range totals {
		rows = append(rows, &models.LeaderboardRow{StreamerID: streamerID, TotalPoints: total})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalPoints != rows[j].TotalPoints {
			return rows[i].TotalPoints > rows[j].TotalPoints
		}
		return rows[i].StreamerID < rows[j].StreamerID
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}

	for i, row := range rows {
		switch {
		case !policy.Dense:
			row.Rank = i + 1
		case i == 0:
			row.Rank = 1
		case row.TotalPoints == rows[i-1].TotalPoints:
			row.Rank = rows[i-1].Rank
		default:
			row.Rank = rows[i-1].Rank + 1
		}
	}

	return rows
}

func sameTotals(a, b map[int64]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
