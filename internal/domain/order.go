package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderPaid     OrderStatus = "PAID"
	OrderFailed   OrderStatus = "FAILED"
	OrderRefunded OrderStatus = "REFUNDED"
)

// orderTransitions lists every allowed move of the order state machine.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderFailed},
	OrderPaid:    {OrderRefunded},
}

// CanTransition reports whether an order in status from may move to status to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	BuyerID          uuid.UUID   `db:"buyer_id" json:"buyer_id"`
	TotalAmount      int64       `db:"total_amount" json:"total_amount"`
	Currency         string      `db:"currency" json:"currency"`
	Status           OrderStatus `db:"status" json:"status"`
	PaymentSessionID *string     `db:"payment_session_id" json:"payment_session_id,omitempty"`
	PaymentIntentID  *string     `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	PaidAt           *time.Time  `db:"paid_at" json:"paid_at,omitempty"`
	RefundedAt       *time.Time  `db:"refunded_at" json:"refunded_at,omitempty"`
	RefundReason     *string     `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundAmount     *int64      `db:"refund_amount" json:"refund_amount,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

type OrderLine struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	OrderID   uuid.UUID  `db:"order_id" json:"order_id"`
	ProductID uuid.UUID  `db:"product_id" json:"product_id"`
	FileID    *uuid.UUID `db:"file_id" json:"file_id,omitempty"`
	Quantity  int        `db:"quantity" json:"quantity"`
	UnitPrice int64      `db:"unit_price" json:"unit_price"`
	LineTotal int64      `db:"line_total" json:"line_total"`
}

// PaymentRefs are the provider references recorded when an order is paid.
type PaymentRefs struct {
	SessionID string
	IntentID  string
}
