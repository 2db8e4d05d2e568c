package service

import (
	"context"
	"time"

	"digital-delivery/internal/database"
	"digital-delivery/internal/domain"
	"digital-delivery/internal/infrastructure/payment"
	"digital-delivery/internal/repo"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// OrderView is what the buyer sees after checkout.
type OrderView struct {
	Order  *domain.Order      `json:"order"`
	Lines  []domain.OrderLine `json:"lines"`
	Grants []domain.Grant     `json:"grants"`
}

// Reconciliation results.
const (
	ReconcileFulfilled = "fulfilled"
	ReconcileFailed    = "failed"
	ReconcilePending   = "pending"
	ReconcileSettled   = "settled"
)

type CheckoutService interface {
	// Complete handles the buyer's return from the provider. A pending order is verified
	// with the provider and fulfilled through the same path as the webhook.
	Complete(ctx context.Context, sessionID string) (*OrderView, error)
	// Reconcile settles a pending order whose notifications never arrived.
	Reconcile(ctx context.Context, order *domain.Order) (string, error)
}

type checkoutService struct {
	db            *sqlx.DB
	gateway       payment.PaymentGateway
	orderRepo     repo.OrderRepo
	grantRepo     repo.GrantRepo
	orders        OrderService
	fulfillment   FulfillmentService
	verifyTimeout time.Duration
	logger        *zap.Logger
}

func NewCheckoutService(
	db *sqlx.DB,
	gateway payment.PaymentGateway,
	orderRepo repo.OrderRepo,
	grantRepo repo.GrantRepo,
	orders OrderService,
	fulfillment FulfillmentService,
	verifyTimeout time.Duration,
	logger *zap.Logger,
) CheckoutService {
	return &checkoutService{
		db:            db,
		gateway:       gateway,
		orderRepo:     orderRepo,
		grantRepo:     grantRepo,
		orders:        orders,
		fulfillment:   fulfillment,
		verifyTimeout: verifyTimeout,
		logger:        logger,
	}
}

func (s *checkoutService) Complete(ctx context.Context, sessionID string) (*OrderView, error) {
	if sessionID == "" {
		return nil, errors.Wrap(domain.ErrOrderNotFound, "missing session reference")
	}
	order, err := s.orderRepo.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case domain.OrderPaid, domain.OrderRefunded:
		return s.view(ctx, order)
	case domain.OrderFailed:
		return nil, errors.Wrapf(domain.ErrPaymentNotVerified, "order %s failed", order.ID)
	}

	session, err := s.verify(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Paid() {
		return nil, errors.Wrapf(domain.ErrPaymentNotVerified, "session %s is %s", sessionID, session.PaymentStatus)
	}

	f, err := s.fulfill(ctx, sessionID, session)
	if err != nil {
		return nil, err
	}
	s.fulfillment.AfterCommit(ctx, f, PathReturn)
	return s.view(ctx, f.Order)
}

func (s *checkoutService) Reconcile(ctx context.Context, order *domain.Order) (string, error) {
	if order.Status != domain.OrderPending || order.PaymentSessionID == nil {
		return ReconcileSettled, nil
	}
	sessionID := *order.PaymentSessionID

	session, err := s.verify(ctx, sessionID)
	if err != nil {
		return "", err
	}

	switch {
	case session.Paid():
		f, err := s.fulfill(ctx, sessionID, session)
		if err != nil {
			return "", err
		}
		s.fulfillment.AfterCommit(ctx, f, PathReconcile)
		return ReconcileFulfilled, nil

	case session.Expired():
		err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
			locked, err := s.orderRepo.LockById(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			_, err = s.orders.TransitionToFailed(ctx, tx, locked)
			return err
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			return ReconcileSettled, nil
		}
		if err != nil {
			return "", err
		}
		return ReconcileFailed, nil
	}
	return ReconcilePending, nil
}

func (s *checkoutService) verify(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()
	return s.gateway.VerifySession(ctx, sessionID)
}

func (s *checkoutService) fulfill(ctx context.Context, sessionID string, session *domain.Session) (*Fulfillment, error) {
	var f *Fulfillment
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		locked, err := s.orderRepo.LockBySession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		f, err = s.fulfillment.Fulfill(ctx, tx, locked, domain.PaymentRefs{
			SessionID: sessionID,
			IntentID:  session.PaymentIntent,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *checkoutService) view(ctx context.Context, order *domain.Order) (*OrderView, error) {
	lines, err := s.orderRepo.Lines(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	grants, err := s.grantRepo.ListByOrder(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Lines: lines, Grants: grants}, nil
}
