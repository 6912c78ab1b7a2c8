/**
 * @description
 * Periodic reconciliation sweep. Confirmations can be lost — the payer closes
 * the browser before the redirect and the webhook delivery fails — leaving a
 * genuinely paid transaction stuck in pending. The sweep re-verifies stale
 * pending ledger entries against the gateway and drives them through the same
 * finalize path the callback and webhook use, so it is duplicate-safe by
 * construction.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/invoza/billing-service/internal/domain"
)

const (
	defaultSweepBatchLimit = 100
	sweepRunTimeout        = 2 * time.Minute
)

// Reconciler runs the scheduled pending-transaction sweep.
type Reconciler struct {
	service *Service
	logger  *slog.Logger
	minAge  time.Duration
	limit   int
}

// NewReconciler creates a sweep runner. minAge keeps the sweep away from
// payment sessions the payer may still be completing.
func NewReconciler(service *Service, logger *slog.Logger, minAge time.Duration, limit int) *Reconciler {
	if limit <= 0 {
		limit = defaultSweepBatchLimit
	}
	return &Reconciler{
		service: service,
		logger:  logger,
		minAge:  minAge,
		limit:   limit,
	}
}

// SweepPendingTransactions re-verifies stale pending transactions. It is the
// cron entry point and therefore takes no arguments and returns nothing.
func (r *Reconciler) SweepPendingTransactions() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepRunTimeout)
	defer cancel()

	cutoff := time.Now().Add(-r.minAge)
	stale, err := r.service.repo.FindStalePendingTransactions(ctx, cutoff, r.limit)
	if err != nil {
		r.logger.Error("failed to list stale pending transactions", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	r.logger.Info("reconciliation sweep started", "pending_count", len(stale), "cutoff", cutoff)

	var finalized, failed, deferred int
	for _, tx := range stale {
		switch r.service.verifyAndFinalize(ctx, tx.Reference, "sweep") {
		case domain.CallbackSuccess:
			finalized++
		case domain.CallbackFailed:
			failed++
		default:
			// Gateway unavailable or internal error; the next sweep retries.
			deferred++
		}
	}

	r.logger.Info("reconciliation sweep finished",
		"finalized", finalized,
		"failed", failed,
		"deferred", deferred,
	)
}
