package worker

import (
	"context"
	"time"

	"digital-delivery/internal/domain"
	"digital-delivery/internal/service"

	"go.uber.org/zap"
)

// StuckOrderFinder lists pending orders older than a cutoff.
type StuckOrderFinder interface {
	FindStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)
}

// ReconciliationWorker periodically settles pending orders whose payment notification
// never arrived, by asking the provider for the session's real state.
type ReconciliationWorker struct {
	orders     StuckOrderFinder
	checkout   service.CheckoutService
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	logger     *zap.Logger
}

func NewReconciliationWorker(
	orders StuckOrderFinder,
	checkout service.CheckoutService,
	interval time.Duration,
	staleAfter time.Duration,
	batchSize int,
	logger *zap.Logger,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		orders:     orders,
		checkout:   checkout,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("Reconciliation worker started", zap.Duration("interval", rw.interval))

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("Reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.RunOnce(ctx); err != nil {
				rw.logger.Error("Reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Summary counts the results of one reconciliation pass.
type Summary struct {
	Scanned   int
	Fulfilled int
	Failed    int
	Pending   int
	Errors    int
}

// RunOnce reconciles one batch of stuck orders. A provider error on one order
// does not stop the batch; the order is retried on the next pass.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	stuck, err := rw.orders.FindStuckOrders(ctx, rw.staleAfter, rw.batchSize)
	if err != nil {
		return sum, err
	}
	if len(stuck) == 0 {
		return sum, nil
	}

	rw.logger.Info("Found stuck orders", zap.Int("count", len(stuck)))

	for i := range stuck {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		order := &stuck[i]
		sum.Scanned++

		result, err := rw.checkout.Reconcile(ctx, order)
		if err != nil {
			sum.Errors++
			rw.logger.Warn("Failed to reconcile order",
				zap.String("order_id", order.ID.String()),
				zap.Error(err),
			)
			continue
		}

		switch result {
		case service.ReconcileFulfilled:
			sum.Fulfilled++
		case service.ReconcileFailed:
			sum.Failed++
		default:
			sum.Pending++
		}
		rw.logger.Debug("Order reconciled",
			zap.String("order_id", order.ID.String()),
			zap.String("result", result),
		)
	}
	return sum, nil
}
