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

const grantColumns = "id, buyer_id, product_id, file_id, order_id, max_downloads, downloads_used, expires_at, created_at"

type GrantRepo interface {
	// InsertForOrder creates the grant unless one exists for its (order, file) pair.
	InsertForOrder(ctx context.Context, tx *sqlx.Tx, grant *domain.Grant) (bool, error)
	Insert(ctx context.Context, tx *sqlx.Tx, grant *domain.Grant) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.Grant, error)
	ListByOrder(ctx context.Context, q sqlx.QueryerContext, orderID uuid.UUID) ([]domain.Grant, error)
	ListByBuyer(ctx context.Context, buyerID uuid.UUID) ([]domain.Grant, error)
	// IncrementUsage bumps downloads_used only while the grant is unexpired and below its ceiling.
	IncrementUsage(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, now time.Time) (*domain.Grant, error)
}

type grantRepo struct {
	db *sqlx.DB
}

func NewGrantRepo(db *sqlx.DB) GrantRepo {
	return &grantRepo{db: db}
}

const insertGrant = `
	INSERT INTO grants (id, buyer_id, product_id, file_id, order_id, max_downloads, downloads_used, expires_at, created_at)
	VALUES (:id, :buyer_id, :product_id, :file_id, :order_id, :max_downloads, :downloads_used, :expires_at, :created_at)`

func (r *grantRepo) InsertForOrder(ctx context.Context, tx *sqlx.Tx, grant *domain.Grant) (bool, error) {
	res, err := tx.NamedExecContext(ctx,
		insertGrant+" ON CONFLICT (order_id, file_id) WHERE order_id IS NOT NULL DO NOTHING",
		grant,
	)
	return affected(res, err, "insert order grant")
}

func (r *grantRepo) Insert(ctx context.Context, tx *sqlx.Tx, grant *domain.Grant) error {
	if _, err := tx.NamedExecContext(ctx, insertGrant, grant); err != nil {
		return errors.Wrap(err, "insert grant")
	}
	return nil
}

func (r *grantRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Grant, error) {
	var g domain.Grant
	err := r.db.GetContext(ctx, &g, "SELECT "+grantColumns+" FROM grants WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrGrantNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select grant")
	}
	return &g, nil
}

func (r *grantRepo) ListByOrder(ctx context.Context, q sqlx.QueryerContext, orderID uuid.UUID) ([]domain.Grant, error) {
	var grants []domain.Grant
	err := sqlx.SelectContext(ctx, q, &grants,
		"SELECT "+grantColumns+" FROM grants WHERE order_id = $1 ORDER BY created_at, id", orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select order grants")
	}
	return grants, nil
}

func (r *grantRepo) ListByBuyer(ctx context.Context, buyerID uuid.UUID) ([]domain.Grant, error) {
	var grants []domain.Grant
	err := r.db.SelectContext(ctx, &grants,
		"SELECT "+grantColumns+" FROM grants WHERE buyer_id = $1 ORDER BY created_at DESC", buyerID)
	if err != nil {
		return nil, errors.Wrap(err, "select buyer grants")
	}
	return grants, nil
}

func (r *grantRepo) IncrementUsage(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, now time.Time) (*domain.Grant, error) {
	var g domain.Grant
	err := tx.GetContext(ctx, &g, `
		UPDATE grants
		SET downloads_used = downloads_used + 1
		WHERE id = $1
		  AND (max_downloads IS NULL OR downloads_used < max_downloads)
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+grantColumns,
		id, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrGrantInvalid
	}
	if err != nil {
		return nil, errors.Wrap(err, "increment grant usage")
	}
	return &g, nil
}
