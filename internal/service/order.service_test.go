package service

import (
	"context"
	"testing"
	"time"

	"digital-delivery/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderTotalsLines(t *testing.T) {
	h := newHarness(t)
	fileID := uuid.New()

	h.expectTx(true)
	order, err := h.orders.CreateOrder(context.Background(), CreateOrderInput{
		BuyerID:   uuid.New(),
		Currency:  "EUR",
		SessionID: "cs_total",
		Lines: []LineInput{
			{ProductID: uuid.New(), Quantity: 2, UnitPrice: 700},
			{ProductID: uuid.New(), FileID: &fileID, Quantity: 1, UnitPrice: 250},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, int64(1650), order.TotalAmount)
	require.NotNil(t, order.PaymentSessionID)
	assert.Equal(t, "cs_total", *order.PaymentSessionID)
	assert.Len(t, h.store.lines[order.ID], 2)
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]CreateOrderInput{
		"no lines":     {BuyerID: uuid.New(), Currency: "USD"},
		"bad currency": {BuyerID: uuid.New(), Currency: "US", Lines: []LineInput{{ProductID: uuid.New(), Quantity: 1}}},
		"zero qty":     {BuyerID: uuid.New(), Currency: "USD", Lines: []LineInput{{ProductID: uuid.New()}}},
		"negative":     {BuyerID: uuid.New(), Currency: "USD", Lines: []LineInput{{ProductID: uuid.New(), Quantity: 1, UnitPrice: -1}}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.orders.CreateOrder(ctx, input)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
		})
	}
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestTransitionToPaidIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.pendingOrder(t, uuid.New(), "cs_twice")

	changed, err := h.orders.TransitionToPaid(ctx, nil, order, domain.PaymentRefs{SessionID: "cs_twice", IntentID: "pi_twice"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderPaid, order.Status)
	assert.NotNil(t, order.PaidAt)

	changed, err = h.orders.TransitionToPaid(ctx, nil, order, domain.PaymentRefs{})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestTransitionToPaidLosesRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.pendingOrder(t, uuid.New(), "cs_lost")

	// Another path paid the order after this caller read it as pending.
	stale := *order
	_, err := h.orders.TransitionToPaid(ctx, nil, order, domain.PaymentRefs{SessionID: "cs_lost"})
	require.NoError(t, err)

	changed, err := h.orders.TransitionToPaid(ctx, nil, &stale, domain.PaymentRefs{SessionID: "cs_lost"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.OrderPaid, stale.Status)
}

func TestTransitionToPaidAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.pendingOrder(t, uuid.New(), "cs_failed")

	changed, err := h.orders.TransitionToFailed(ctx, nil, order)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = h.orders.TransitionToPaid(ctx, nil, order, domain.PaymentRefs{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.OrderFailed, h.order(t, order.ID).Status)
}

func TestTransitionToRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.pendingOrder(t, uuid.New(), "cs_refund")

	h.expectTx(false)
	_, err := h.orders.TransitionToRefunded(ctx, order.ID, "duplicate", 100)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.orders.TransitionToPaid(ctx, nil, order, domain.PaymentRefs{})
	require.NoError(t, err)

	h.expectTx(false)
	_, err = h.orders.TransitionToRefunded(ctx, order.ID, "too much", order.TotalAmount+1)
	assert.ErrorIs(t, err, domain.ErrInvalidRefund)

	h.expectTx(true)
	refunded, err := h.orders.TransitionToRefunded(ctx, order.ID, "requested_by_customer", 500)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundAmount)
	assert.Equal(t, int64(500), *refunded.RefundAmount)
	assert.WithinDuration(t, time.Now(), *refunded.RefundedAt, 5*time.Second)

	h.expectTx(false)
	_, err = h.orders.TransitionToRefunded(ctx, order.ID, "again", 500)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestFulfillmentReceiptFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("broker unavailable")
	order := h.pendingOrder(t, uuid.New(), "cs_receipt")

	h.fulfillment.AfterCommit(context.Background(), &Fulfillment{Order: order, Transitioned: true}, PathWebhook)
	h.fulfillment.AfterCommit(context.Background(), &Fulfillment{Order: order, Transitioned: false}, PathReturn)
	h.fulfillment.AfterCommit(context.Background(), nil, PathReconcile)

	assert.Equal(t, 1, h.dispatcher.count())
}
