package repo

import (
	"context"
	"database/sql"
	"time"

	"digital-delivery/internal/domain"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const orderColumns = `id, buyer_id, total_amount, currency, status, payment_session_id, payment_intent_id,
	paid_at, refunded_at, refund_reason, refund_amount, created_at, updated_at`

type OrderRepo interface {
	CreateOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order, lines []domain.OrderLine) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindBySession(ctx context.Context, sessionID string) (*domain.Order, error)
	// Lock* read the order with a row lock held until tx ends.
	LockById(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Order, error)
	LockBySession(ctx context.Context, tx *sqlx.Tx, sessionID string) (*domain.Order, error)
	LockByIntent(ctx context.Context, tx *sqlx.Tx, intentID string) (*domain.Order, error)
	Lines(ctx context.Context, q sqlx.QueryerContext, orderID uuid.UUID) ([]domain.OrderLine, error)
	// Mark* are conditional updates guarded by the current status; they report whether a row changed.
	MarkPaid(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, refs domain.PaymentRefs, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, reason string, amount int64, at time.Time) (bool, error)
	FindStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)
}

type orderRepo struct {
	db *sqlx.DB
}

func NewOrderRepo(db *sqlx.DB) OrderRepo {
	return &orderRepo{db: db}
}

func (r *orderRepo) CreateOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order, lines []domain.OrderLine) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, total_amount, currency, status, payment_session_id, created_at, updated_at)
		VALUES (:id, :buyer_id, :total_amount, :currency, :status, :payment_session_id, :created_at, :updated_at)`,
		order,
	)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	for i := range lines {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, file_id, quantity, unit_price, line_total)
			VALUES (:id, :order_id, :product_id, :file_id, :quantity, :unit_price, :line_total)`,
			&lines[i],
		)
		if err != nil {
			return errors.Wrap(err, "insert order line")
		}
	}
	return nil
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return getOrder(ctx, r.db, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

func (r *orderRepo) FindBySession(ctx context.Context, sessionID string) (*domain.Order, error) {
	return getOrder(ctx, r.db, "SELECT "+orderColumns+" FROM orders WHERE payment_session_id = $1", sessionID)
}

func (r *orderRepo) LockById(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Order, error) {
	return getOrder(ctx, tx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (r *orderRepo) LockBySession(ctx context.Context, tx *sqlx.Tx, sessionID string) (*domain.Order, error) {
	return getOrder(ctx, tx, "SELECT "+orderColumns+" FROM orders WHERE payment_session_id = $1 FOR UPDATE", sessionID)
}

func (r *orderRepo) LockByIntent(ctx context.Context, tx *sqlx.Tx, intentID string) (*domain.Order, error) {
	return getOrder(ctx, tx, "SELECT "+orderColumns+" FROM orders WHERE payment_intent_id = $1 FOR UPDATE", intentID)
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (*domain.Order, error) {
	var order domain.Order
	err := sqlx.GetContext(ctx, q, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return &order, nil
}

func (r *orderRepo) Lines(ctx context.Context, q sqlx.QueryerContext, orderID uuid.UUID) ([]domain.OrderLine, error) {
	var lines []domain.OrderLine
	err := sqlx.SelectContext(ctx, q, &lines, `
		SELECT id, order_id, product_id, file_id, quantity, unit_price, line_total
		FROM order_lines WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select order lines")
	}
	return lines, nil
}

func (r *orderRepo) MarkPaid(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, refs domain.PaymentRefs, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_session_id = COALESCE(NULLIF($3, ''), payment_session_id),
		    payment_intent_id = COALESCE(NULLIF($4, ''), payment_intent_id),
		    paid_at = $5,
		    updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, domain.OrderPaid, refs.SessionID, refs.IntentID, at, domain.OrderPending,
	)
	return affected(res, err, "mark order paid")
}

func (r *orderRepo) MarkFailed(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4",
		id, domain.OrderFailed, at, domain.OrderPending,
	)
	return affected(res, err, "mark order failed")
}

func (r *orderRepo) MarkRefunded(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, reason string, amount int64, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, refund_reason = $3, refund_amount = $4, refunded_at = $5, updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, domain.OrderRefunded, reason, amount, at, domain.OrderPaid,
	)
	return affected(res, err, "mark order refunded")
}

func (r *orderRepo) FindStuckOrders(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	err := r.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND payment_session_id IS NOT NULL AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		domain.OrderPending, time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select stuck orders")
	}
	return orders, nil
}

func affected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	return n == 1, nil
}
