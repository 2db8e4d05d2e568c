package service

import (
	"context"
	"time"

	"digital-delivery/internal/database"
	"digital-delivery/internal/domain"
	"digital-delivery/internal/repo"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// OrderService owns the order state machine. Transitions that run as part of a larger
// unit of work take the caller's transaction.
type OrderService interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error)
	// TransitionToPaid reports whether this call moved the order out of pending.
	// An already paid order is a no-op so fulfillment can proceed idempotently.
	TransitionToPaid(ctx context.Context, tx *sqlx.Tx, order *domain.Order, refs domain.PaymentRefs) (bool, error)
	TransitionToFailed(ctx context.Context, tx *sqlx.Tx, order *domain.Order) (bool, error)
	TransitionToRefunded(ctx context.Context, orderID uuid.UUID, reason string, amount int64) (*domain.Order, error)
}

type CreateOrderInput struct {
	BuyerID   uuid.UUID
	Currency  string
	SessionID string
	Lines     []LineInput
}

type LineInput struct {
	ProductID uuid.UUID
	FileID    *uuid.UUID
	Quantity  int
	UnitPrice int64
}

type orderService struct {
	db        *sqlx.DB
	orderRepo repo.OrderRepo
	now       func() time.Time
}

func NewOrderService(db *sqlx.DB, orderRepo repo.OrderRepo) OrderService {
	return &orderService{
		db:        db,
		orderRepo: orderRepo,
		now:       time.Now,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	if len(input.Lines) == 0 || len(input.Currency) != 3 {
		return nil, errors.Wrap(domain.ErrInvalidOrder, "order needs lines and a 3-letter currency")
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:        uuid.New(),
		BuyerID:   input.BuyerID,
		Currency:  input.Currency,
		Status:    domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.SessionID != "" {
		session := input.SessionID
		order.PaymentSessionID = &session
	}

	lines := make([]domain.OrderLine, 0, len(input.Lines))
	for _, in := range input.Lines {
		if in.Quantity <= 0 || in.UnitPrice < 0 {
			return nil, errors.Wrap(domain.ErrInvalidOrder, "line quantity must be positive and price non-negative")
		}
		line := domain.OrderLine{
			ID:        uuid.New(),
			OrderID:   order.ID,
			ProductID: in.ProductID,
			FileID:    in.FileID,
			Quantity:  in.Quantity,
			UnitPrice: in.UnitPrice,
			LineTotal: int64(in.Quantity) * in.UnitPrice,
		}
		order.TotalAmount += line.LineTotal
		lines = append(lines, line)
	}

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.orderRepo.CreateOrder(ctx, tx, order, lines)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *orderService) TransitionToPaid(ctx context.Context, tx *sqlx.Tx, order *domain.Order, refs domain.PaymentRefs) (bool, error) {
	if order.Status == domain.OrderPaid {
		return false, nil
	}
	if !domain.CanTransition(order.Status, domain.OrderPaid) {
		return false, errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", order.ID, order.Status)
	}

	now := s.now().UTC()
	changed, err := s.orderRepo.MarkPaid(ctx, tx, order.ID, refs, now)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, s.settled(ctx, tx, order, domain.OrderPaid)
	}

	order.Status = domain.OrderPaid
	order.PaidAt = &now
	order.UpdatedAt = now
	if refs.SessionID != "" {
		order.PaymentSessionID = &refs.SessionID
	}
	if refs.IntentID != "" {
		order.PaymentIntentID = &refs.IntentID
	}
	return true, nil
}

func (s *orderService) TransitionToFailed(ctx context.Context, tx *sqlx.Tx, order *domain.Order) (bool, error) {
	if order.Status == domain.OrderFailed {
		return false, nil
	}
	if !domain.CanTransition(order.Status, domain.OrderFailed) {
		return false, errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", order.ID, order.Status)
	}

	now := s.now().UTC()
	changed, err := s.orderRepo.MarkFailed(ctx, tx, order.ID, now)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, s.settled(ctx, tx, order, domain.OrderFailed)
	}
	order.Status = domain.OrderFailed
	order.UpdatedAt = now
	return true, nil
}

// settled handles a guarded update that matched no row: someone else moved the order first.
// Reaching the wanted status is fine; anything else is a conflict.
func (s *orderService) settled(ctx context.Context, tx *sqlx.Tx, order *domain.Order, want domain.OrderStatus) error {
	current, err := s.orderRepo.LockById(ctx, tx, order.ID)
	if err != nil {
		return err
	}
	*order = *current
	if current.Status == want {
		return nil
	}
	return errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", order.ID, current.Status)
}

func (s *orderService) TransitionToRefunded(ctx context.Context, orderID uuid.UUID, reason string, amount int64) (*domain.Order, error) {
	var order *domain.Order
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		order, err = s.orderRepo.LockById(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(order.Status, domain.OrderRefunded) {
			return errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", order.ID, order.Status)
		}
		if amount <= 0 || amount > order.TotalAmount {
			return errors.Wrapf(domain.ErrInvalidRefund, "amount %d outside 1..%d", amount, order.TotalAmount)
		}

		now := s.now().UTC()
		changed, err := s.orderRepo.MarkRefunded(ctx, tx, order.ID, reason, amount, now)
		if err != nil {
			return err
		}
		if !changed {
			return errors.Wrapf(domain.ErrInvalidTransition, "order %s changed concurrently", order.ID)
		}
		order.Status = domain.OrderRefunded
		order.RefundedAt = &now
		order.RefundReason = &reason
		order.RefundAmount = &amount
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
