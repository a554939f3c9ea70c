package metrics

import (
	"context"
	"time"

	"github.com/migadu/popd/logger"
)

const defaultCollectInterval = time.Minute

// StoreStats are the message store totals exported as gauges.
type StoreStats struct {
	Accounts     int64 // accounts that are not closed
	Messages     int64 // messages visible to POP3
	PendingPurge int64 // expunged, body not yet removed
}

// StoreStatsProvider is implemented by the database.
type StoreStatsProvider interface {
	GetStoreStats(ctx context.Context) (*StoreStats, error)
}

// CacheStatsProvider is implemented by the local body cache.
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
	HitRate() (hits, misses int64)
}

// Collector refreshes the gauges that are too expensive to maintain on the
// request path.
type Collector struct {
	store    StoreStatsProvider
	cache    CacheStatsProvider // nil when the local cache is disabled
	interval time.Duration
}

func NewCollector(store StoreStatsProvider, cache CacheStatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	return &Collector{store: store, cache: cache, interval: interval}
}

// Start collects once immediately and then on every tick until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	logger.Debug("Metrics: collector started", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.collect(ctx)
		select {
		case <-ctx.Done():
			logger.Debug("Metrics: collector stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if stats, err := c.store.GetStoreStats(ctx); err != nil {
		// Gauges keep their previous values.
		if ctx.Err() == nil {
			logger.Warn("Metrics: failed to read store statistics", "error", err)
		}
	} else {
		AccountsTotal.Set(float64(stats.Accounts))
		MessagesTotal.Set(float64(stats.Messages))
		MessagesPendingPurge.Set(float64(stats.PendingPurge))
	}

	if c.cache == nil {
		return
	}
	objects, size, err := c.cache.GetStats()
	if err != nil {
		logger.Warn("Metrics: failed to read cache statistics", "error", err)
	} else {
		CacheObjectsTotal.Set(float64(objects))
		CacheSizeBytes.Set(float64(size))
	}
	if hits, misses := c.cache.HitRate(); hits+misses > 0 {
		CacheHitRatio.Set(float64(hits) / float64(hits+misses))
	}
}
