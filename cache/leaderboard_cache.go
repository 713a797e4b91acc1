package cache

import (
	"fmt"
	"time"

	"heartledger/models"
	"heartledger/service"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// minCacheBytes is the smallest segment size freecache accepts
const minCacheBytes = 512 * 1024

// LeaderboardCache keeps zstd-compressed JSON snapshots of per-bucket
// streamer totals in a freecache ring
type LeaderboardCache struct {
	cache   *freecache.Cache
	ttl     int
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a cache of sizeMB megabytes whose entries expire after ttl.
// A disabled cache or a non-positive size yields a cache that never hits.
func New(enabled bool, sizeMB int, ttl time.Duration) (service.LeaderboardCache, error) {
	if !enabled || sizeMB <= 0 {
		log.Info("Leaderboard cache disabled")
		return noopCache{}, nil
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	size := max(sizeMB*1024*1024, minCacheBytes)
	seconds := max(int(ttl.Seconds()), 1)

	log.WithFields(log.Fields{
		"sizeMB": sizeMB,
		"ttl":    seconds,
	}).Info("Leaderboard cache initialized")

	return &LeaderboardCache{
		cache:   freecache.NewCache(size),
		ttl:     seconds,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func key(period models.Period, bucketStart time.Time) []byte {
	return fmt.Appendf(nil, "lb:%s:%d", period, bucketStart.Unix())
}

// Get returns the snapshot for the bucket if present and decodable
func (c *LeaderboardCache) Get(period models.Period, bucketStart time.Time) (*models.LeaderboardSnapshot, bool) {
	raw, err := c.cache.Get(key(period, bucketStart))
	if err != nil {
		return nil, false
	}

	data, err := c.decoder.DecodeAll(raw, nil)
	if err != nil {
		log.WithError(err).Warn("Dropping undecodable leaderboard cache entry")
		c.Delete(period, bucketStart)
		return nil, false
	}

	var snap models.LeaderboardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.WithError(err).Warn("Dropping malformed leaderboard cache entry")
		c.Delete(period, bucketStart)
		return nil, false
	}
	return &snap, true
}

// Set stores the snapshot under its period and bucket start
func (c *LeaderboardCache) Set(snap *models.LeaderboardSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode leaderboard snapshot: %w", err)
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := c.cache.Set(key(snap.Period, snap.BucketStart), compressed, c.ttl); err != nil {
		return fmt.Errorf("failed to cache leaderboard snapshot: %w", err)
	}
	return nil
}

// Delete drops the bucket's snapshot
func (c *LeaderboardCache) Delete(period models.Period, bucketStart time.Time) {
	c.cache.Del(key(period, bucketStart))
}

// Stats reports entry count and hit rate
func (c *LeaderboardCache) Stats() (entries int64, hitRate float64) {
	return c.cache.EntryCount(), c.cache.HitRate()
}

type noopCache struct{}

func (noopCache) Get(models.Period, time.Time) (*models.LeaderboardSnapshot, bool) { return nil, false }
func (noopCache) Set(*models.LeaderboardSnapshot) error                            { return nil }
func (noopCache) Delete(models.Period, time.Time)                                  {}
