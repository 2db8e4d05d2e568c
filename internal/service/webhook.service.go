package service

import (
	"context"
	"time"

	"digital-delivery/internal/database"
	"digital-delivery/internal/domain"
	"digital-delivery/internal/infrastructure/payment"
	"digital-delivery/internal/metrics"
	"digital-delivery/internal/repo"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type WebhookOutcome string

const (
	WebhookProcessed        WebhookOutcome = "processed"
	WebhookAlreadyProcessed WebhookOutcome = "already_processed"
)

type WebhookService interface {
	// Handle verifies and applies one provider notification. Errors leave the event
	// unrecorded so the provider's redelivery retries it.
	Handle(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error)
}

type webhookService struct {
	db          *sqlx.DB
	gateway     payment.PaymentGateway
	eventRepo   repo.EventRepo
	orderRepo   repo.OrderRepo
	orders      OrderService
	fulfillment FulfillmentService
	logger      *zap.Logger
	now         func() time.Time
}

func NewWebhookService(
	db *sqlx.DB,
	gateway payment.PaymentGateway,
	eventRepo repo.EventRepo,
	orderRepo repo.OrderRepo,
	orders OrderService,
	fulfillment FulfillmentService,
	logger *zap.Logger,
) WebhookService {
	return &webhookService{
		db:          db,
		gateway:     gateway,
		eventRepo:   eventRepo,
		orderRepo:   orderRepo,
		orders:      orders,
		fulfillment: fulfillment,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *webhookService) Handle(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	event, err := s.gateway.ParseSignedEvent(payload, signature)
	if err != nil {
		return "", err
	}

	outcome := WebhookProcessed
	var detail string
	var fulfilled *Fulfillment
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		recorded, err := s.eventRepo.Record(ctx, tx, &domain.ProcessedEvent{
			EventID:     event.ID,
			EventType:   event.Type,
			Payload:     event.Raw,
			ProcessedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		if !recorded {
			outcome = WebhookAlreadyProcessed
			return nil
		}

		detail, fulfilled, err = s.apply(ctx, tx, event)
		if err != nil {
			return err
		}
		return s.eventRepo.SetOutcome(ctx, tx, event.ID, detail)
	})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		return "", err
	}

	s.fulfillment.AfterCommit(ctx, fulfilled, PathWebhook)

	if outcome == WebhookAlreadyProcessed {
		detail = string(WebhookAlreadyProcessed)
	}
	metrics.WebhookEventsTotal.WithLabelValues(event.Type, detail).Inc()
	s.logger.Info("Payment event handled",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("outcome", detail),
	)
	return outcome, nil
}

// apply performs the event's effects inside tx and returns the outcome to record.
func (s *webhookService) apply(ctx context.Context, tx *sqlx.Tx, event *domain.PaymentEvent) (string, *Fulfillment, error) {
	switch event.Type {
	case domain.EventCheckoutCompleted, domain.EventPaymentSucceeded:
		if !event.Succeeded() {
			return domain.OutcomeIgnored, nil, nil
		}
		order, err := s.lockOrder(ctx, tx, event)
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.Warn("Payment event for unknown order", zap.String("event_id", event.ID))
			return domain.OutcomeOrderNotFound, nil, nil
		}
		if err != nil {
			return "", nil, err
		}

		f, err := s.fulfillment.Fulfill(ctx, tx, order, event.Refs())
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Error("Payment succeeded for an order that cannot be paid",
				zap.String("event_id", event.ID),
				zap.String("order_id", order.ID.String()),
				zap.String("status", string(order.Status)),
			)
			return domain.OutcomeIgnored, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		return domain.OutcomeFulfilled, f, nil

	case domain.EventPaymentFailed:
		order, err := s.lockOrder(ctx, tx, event)
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.Warn("Payment failure for unknown order", zap.String("event_id", event.ID))
			return domain.OutcomeOrderNotFound, nil, nil
		}
		if err != nil {
			return "", nil, err
		}

		_, err = s.orders.TransitionToFailed(ctx, tx, order)
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Warn("Ignoring payment failure for settled order",
				zap.String("order_id", order.ID.String()),
				zap.String("status", string(order.Status)),
			)
			return domain.OutcomeIgnored, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		return domain.OutcomeFailed, nil, nil
	}

	return domain.OutcomeIgnored, nil, nil
}

// lockOrder finds the event's order by the checkout metadata, then session, then payment intent.
func (s *webhookService) lockOrder(ctx context.Context, tx *sqlx.Tx, event *domain.PaymentEvent) (*domain.Order, error) {
	if ref := event.OrderRef(); ref != "" {
		if id, err := uuid.Parse(ref); err == nil {
			return s.orderRepo.LockById(ctx, tx, id)
		}
	}
	refs := event.Refs()
	if refs.SessionID != "" {
		return s.orderRepo.LockBySession(ctx, tx, refs.SessionID)
	}
	if refs.IntentID != "" {
		return s.orderRepo.LockByIntent(ctx, tx, refs.IntentID)
	}
	return nil, domain.ErrOrderNotFound
}
