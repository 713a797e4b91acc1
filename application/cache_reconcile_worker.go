package application

import (
	"context"
	"fmt"
	"time"

	"heartledger/service"

	log "github.com/sirupsen/logrus"
)

const cacheReconcileWorkerName = "cache_reconcile"

// CacheReconcileWorker periodically rescans the current leaderboard buckets
// and overwrites whatever the cache holds for them
type CacheReconcileWorker struct {
	leaderboard service.LeaderboardService
	interval    time.Duration
	metrics     WorkerMetrics
}

// NewCacheReconcileWorker creates a new cache reconcile worker
func NewCacheReconcileWorker(leaderboard service.LeaderboardService, interval time.Duration, metrics WorkerMetrics) *CacheReconcileWorker {
	if metrics == nil {
		metrics = noopWorkerMetrics{}
	}
	return &CacheReconcileWorker{
		leaderboard: leaderboard,
		interval:    interval,
		metrics:     metrics,
	}
}

// Start begins the worker and returns a function that stops it
func (w *CacheReconcileWorker) Start(ctx context.Context) func() {
	stopChan := make(chan struct{})

	go func() {
		log.WithField("interval", w.interval).Info("Cache reconcile worker started")

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("Cache reconcile worker shutting down (context cancelled)...")
				return
			case <-stopChan:
				log.Info("Cache reconcile worker shutting down (stop requested)...")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					log.WithError(err).Error("Error reconciling leaderboard cache")
				}
			}
		}
	}()

	return func() {
		close(stopChan)
	}
}

// RunOnce reconciles every period once and returns the diverged bucket count
func (w *CacheReconcileWorker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	diverged, err := w.leaderboard.Reconcile(ctx)
	w.metrics.WorkerRun(cacheReconcileWorkerName, diverged, err)
	if err != nil {
		return diverged, fmt.Errorf("failed to reconcile leaderboard cache: %w", err)
	}

	fields := log.Fields{
		"diverged": diverged,
		"duration": time.Since(start),
	}
	if diverged > 0 {
		log.WithFields(fields).Warn("Leaderboard cache had diverged from the ledger")
	} else {
		log.WithFields(fields).Debug("Leaderboard cache reconciled")
	}

	return diverged, nil
}
