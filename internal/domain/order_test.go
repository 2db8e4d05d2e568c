package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderPaid, true},
		{OrderPending, OrderFailed, true},
		{OrderPaid, OrderRefunded, true},
		{OrderPending, OrderRefunded, false},
		{OrderPaid, OrderFailed, false},
		{OrderPaid, OrderPending, false},
		{OrderFailed, OrderPaid, false},
		{OrderRefunded, OrderPaid, false},
		{OrderPaid, OrderPaid, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPaymentEvent_SucceededAndRefs(t *testing.T) {
	checkout := &PaymentEvent{Type: EventCheckoutCompleted}
	checkout.Data.Object = PaymentObject{ID: "cs_1", PaymentIntent: "pi_1", PaymentStatus: "paid"}
	assert.True(t, checkout.Succeeded())
	assert.Equal(t, PaymentRefs{SessionID: "cs_1", IntentID: "pi_1"}, checkout.Refs())

	checkout.Data.Object.PaymentStatus = "unpaid"
	assert.False(t, checkout.Succeeded())

	intent := &PaymentEvent{Type: EventPaymentSucceeded}
	intent.Data.Object = PaymentObject{ID: "pi_2", Metadata: map[string]string{"order_id": "abc"}}
	assert.True(t, intent.Succeeded())
	assert.Equal(t, PaymentRefs{IntentID: "pi_2"}, intent.Refs())
	assert.Equal(t, "abc", intent.OrderRef())

	failed := &PaymentEvent{Type: EventPaymentFailed}
	assert.False(t, failed.Succeeded())
	assert.Empty(t, failed.OrderRef())
}
