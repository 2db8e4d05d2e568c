package service

import (
	"context"
	"testing"

	"digital-delivery/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReturnFirstThenWebhookFulfillsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := uuid.New()
	h.addFile(product, "guide.pdf", nil)
	order := h.pendingOrder(t, product, "cs_race")
	h.gateway.sessions["cs_race"] = &domain.Session{ID: "cs_race", Status: "complete", PaymentStatus: "paid", PaymentIntent: "pi_race"}

	h.expectTx(true)
	view, err := h.checkout.Complete(ctx, "cs_race")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, view.Order.Status)
	assert.Len(t, view.Grants, 1)
	assert.Len(t, view.Lines, 1)

	payload := checkoutEvent(t, "evt_race", "cs_race", "paid", nil)
	h.expectTx(true)
	outcome, err := h.webhooks.Handle(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, outcome)

	assert.Len(t, h.grantsFor(order.ID), 1)
	assert.Equal(t, 1, h.dispatcher.count())
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestWebhookFirstThenReturnSkipsProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := uuid.New()
	h.addFile(product, "guide.pdf", nil)
	order := h.pendingOrder(t, product, "cs_hook")

	payload := checkoutEvent(t, "evt_hook", "cs_hook", "paid", nil)
	h.expectTx(true)
	_, err := h.webhooks.Handle(ctx, payload, signed(payload))
	require.NoError(t, err)

	view, err := h.checkout.Complete(ctx, "cs_hook")
	require.NoError(t, err)
	assert.Equal(t, order.ID, view.Order.ID)
	assert.Equal(t, domain.OrderPaid, view.Order.Status)
	assert.Len(t, view.Grants, 1)
	assert.Zero(t, h.gateway.calls)
	assert.Equal(t, 1, h.dispatcher.count())
}

func TestReturnWithUnpaidSessionLeavesOrderPending(t *testing.T) {
	h := newHarness(t)
	product := uuid.New()
	order := h.pendingOrder(t, product, "cs_open")
	h.gateway.sessions["cs_open"] = &domain.Session{ID: "cs_open", Status: "open", PaymentStatus: "unpaid"}

	_, err := h.checkout.Complete(context.Background(), "cs_open")
	assert.ErrorIs(t, err, domain.ErrPaymentNotVerified)
	assert.Equal(t, domain.OrderPending, h.order(t, order.ID).Status)
	assert.Empty(t, h.grantsFor(order.ID))
}

func TestReturnForFailedOrder(t *testing.T) {
	h := newHarness(t)
	order := h.pendingOrder(t, uuid.New(), "cs_failed")
	payload := intentEvent(t, "evt_f", domain.EventPaymentFailed, "pi_f", map[string]string{"order_id": order.ID.String()})
	h.expectTx(true)
	_, err := h.webhooks.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)

	_, err = h.checkout.Complete(context.Background(), "cs_failed")
	assert.ErrorIs(t, err, domain.ErrPaymentNotVerified)
	assert.Zero(t, h.gateway.calls)
}

func TestReturnUnknownSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.checkout.Complete(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = h.checkout.Complete(context.Background(), "")
	assert.Equal(t, domain.ClassNotFound, domain.ClassOf(err))
}

func TestReturnProviderOutageIsTransient(t *testing.T) {
	h := newHarness(t)
	order := h.pendingOrder(t, uuid.New(), "cs_down")
	h.gateway.verifyErr = errors.New("verify session: provider returned 503")

	_, err := h.checkout.Complete(context.Background(), "cs_down")
	assert.Equal(t, domain.ClassTransient, domain.ClassOf(err))
	assert.Equal(t, domain.OrderPending, h.order(t, order.ID).Status)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	product := uuid.New()
	h.addFile(product, "guide.pdf", nil)

	paid := h.pendingOrder(t, product, "cs_paid")
	expired := h.pendingOrder(t, product, "cs_expired")
	open := h.pendingOrder(t, product, "cs_open")
	h.gateway.sessions["cs_paid"] = &domain.Session{ID: "cs_paid", Status: "complete", PaymentStatus: "paid"}
	h.gateway.sessions["cs_expired"] = &domain.Session{ID: "cs_expired", Status: "expired", PaymentStatus: "unpaid"}
	h.gateway.sessions["cs_open"] = &domain.Session{ID: "cs_open", Status: "open", PaymentStatus: "unpaid"}

	h.expectTx(true)
	result, err := h.checkout.Reconcile(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, ReconcileFulfilled, result)
	assert.Equal(t, domain.OrderPaid, h.order(t, paid.ID).Status)
	assert.Len(t, h.grantsFor(paid.ID), 1)
	assert.Equal(t, 1, h.dispatcher.count())

	h.expectTx(true)
	result, err = h.checkout.Reconcile(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, ReconcileFailed, result)
	assert.Equal(t, domain.OrderFailed, h.order(t, expired.ID).Status)

	result, err = h.checkout.Reconcile(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, ReconcilePending, result)
	assert.Equal(t, domain.OrderPending, h.order(t, open.ID).Status)

	settled := h.order(t, paid.ID)
	result, err = h.checkout.Reconcile(ctx, &settled)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, result)

	require.NoError(t, h.mock.ExpectationsWereMet())
}
