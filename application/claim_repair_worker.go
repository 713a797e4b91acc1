package application

import (
	"context"
	"fmt"
	"time"

	"heartledger/service"

	log "github.com/sirupsen/logrus"
)

const claimRepairWorkerName = "claim_repair"

// ClaimRepairWorker completes daily claims whose grant append never landed
type ClaimRepairWorker struct {
	claims   service.ClaimService
	interval time.Duration
	grace    time.Duration
	metrics  WorkerMetrics
}

// NewClaimRepairWorker creates a worker repairing claims older than grace
func NewClaimRepairWorker(claims service.ClaimService, interval, grace time.Duration, metrics WorkerMetrics) *ClaimRepairWorker {
	if metrics == nil {
		metrics = noopWorkerMetrics{}
	}
	return &ClaimRepairWorker{
		claims:   claims,
		interval: interval,
		grace:    grace,
		metrics:  metrics,
	}
}

// Start runs one repair pass immediately, then one per interval. The
// returned function stops the worker.
func (w *ClaimRepairWorker) Start(ctx context.Context) func() {
	stopChan := make(chan struct{})

	go func() {
		log.WithFields(log.Fields{
			"interval": w.interval,
			"grace":    w.grace,
		}).Info("Claim repair worker started")

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			if _, err := w.RunOnce(ctx); err != nil {
				log.WithError(err).Error("Error repairing unsettled daily claims")
			}

			select {
			case <-ctx.Done():
				log.Info("Claim repair worker shutting down (context cancelled)...")
				return
			case <-stopChan:
				log.Info("Claim repair worker shutting down (stop requested)...")
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		close(stopChan)
	}
}

// RunOnce repairs one batch of stranded claims
func (w *ClaimRepairWorker) RunOnce(ctx context.Context) (int, error) {
	repaired, err := w.claims.RepairUnsettled(ctx, w.grace)
	w.metrics.WorkerRun(claimRepairWorkerName, repaired, err)
	if err != nil {
		return repaired, fmt.Errorf("failed to repair unsettled claims: %w", err)
	}

	if repaired > 0 {
		log.WithField("repaired", repaired).Info("Completed claim repair pass")
	}
	return repaired, nil
}
