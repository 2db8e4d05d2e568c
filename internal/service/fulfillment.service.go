package service

import (
	"context"

	"digital-delivery/internal/domain"
	"digital-delivery/internal/infrastructure/notify"
	"digital-delivery/internal/metrics"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Entry paths that can fulfill an order.
const (
	PathWebhook   = "webhook"
	PathReturn    = "return"
	PathReconcile = "reconcile"
)

// FulfillmentService is the single place an order becomes paid and entitled.
// The webhook, the checkout return and the reconciler all funnel through it.
type FulfillmentService interface {
	// Fulfill transitions the order to paid and issues its grants inside tx.
	Fulfill(ctx context.Context, tx *sqlx.Tx, order *domain.Order, refs domain.PaymentRefs) (*Fulfillment, error)
	// AfterCommit sends the receipt when this fulfillment performed the transition.
	// Call it only once the transaction has committed.
	AfterCommit(ctx context.Context, f *Fulfillment, path string)
}

type Fulfillment struct {
	Order        *domain.Order
	Grants       []domain.Grant
	Transitioned bool
}

type fulfillmentService struct {
	orders     OrderService
	grants     GrantService
	dispatcher notify.Dispatcher
	logger     *zap.Logger
}

func NewFulfillmentService(orders OrderService, grants GrantService, dispatcher notify.Dispatcher, logger *zap.Logger) FulfillmentService {
	return &fulfillmentService{
		orders:     orders,
		grants:     grants,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *fulfillmentService) Fulfill(ctx context.Context, tx *sqlx.Tx, order *domain.Order, refs domain.PaymentRefs) (*Fulfillment, error) {
	transitioned, err := s.orders.TransitionToPaid(ctx, tx, order, refs)
	if err != nil {
		return nil, err
	}
	grants, err := s.grants.IssueForOrder(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	return &Fulfillment{Order: order, Grants: grants, Transitioned: transitioned}, nil
}

func (s *fulfillmentService) AfterCommit(ctx context.Context, f *Fulfillment, path string) {
	if f == nil || !f.Transitioned {
		return
	}
	metrics.FulfillmentsTotal.WithLabelValues(path).Inc()
	s.logger.Info("Order fulfilled",
		zap.String("order_id", f.Order.ID.String()),
		zap.String("path", path),
		zap.Int("grants", len(f.Grants)),
	)

	if err := s.dispatcher.SendReceipt(ctx, f.Order, f.Grants); err != nil {
		s.logger.Error("Failed to send receipt", zap.String("order_id", f.Order.ID.String()), zap.Error(err))
	}
}
