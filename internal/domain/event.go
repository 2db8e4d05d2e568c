package domain

import (
	"encoding/json"
	"time"
)

// Provider event types acted upon by the webhook processor.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentFailed     = "payment_intent.payment_failed"

	PaymentStatusPaid = "paid"
)

// Outcomes recorded against a processed event.
const (
	OutcomeFulfilled     = "fulfilled"
	OutcomeFailed        = "failed"
	OutcomeIgnored       = "ignored"
	OutcomeOrderNotFound = "order_not_found"
)

type ProcessedEvent struct {
	EventID     string          `db:"event_id"`
	EventType   string          `db:"event_type"`
	Outcome     string          `db:"outcome"`
	Payload     json.RawMessage `db:"payload"`
	ProcessedAt time.Time       `db:"processed_at"`
}

// PaymentEvent is a verified, parsed provider notification.
type PaymentEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    PaymentEventData `json:"data"`
	Raw     json.RawMessage  `json:"-"`
}

type PaymentEventData struct {
	Object PaymentObject `json:"object"`
}

// PaymentObject covers the fields used from both checkout session and payment intent objects.
type PaymentObject struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
}

// Succeeded reports whether the event carries a completed payment.
func (e *PaymentEvent) Succeeded() bool {
	switch e.Type {
	case EventCheckoutCompleted:
		return e.Data.Object.PaymentStatus == PaymentStatusPaid
	case EventPaymentSucceeded:
		return true
	}
	return false
}

// Refs extracts the provider references carried by the event.
func (e *PaymentEvent) Refs() PaymentRefs {
	obj := e.Data.Object
	if e.Type == EventCheckoutCompleted {
		return PaymentRefs{SessionID: obj.ID, IntentID: obj.PaymentIntent}
	}
	return PaymentRefs{IntentID: obj.ID}
}

// Session is the provider's view of a checkout session.
type Session struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
}

func (s *Session) Paid() bool { return s.PaymentStatus == PaymentStatusPaid }

func (s *Session) Expired() bool { return s.Status == "expired" }

// OrderRef returns the order id the checkout attached to the payment, if any.
func (e *PaymentEvent) OrderRef() string {
	return e.Data.Object.Metadata["order_id"]
}
