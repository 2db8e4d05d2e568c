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

type TokenRepo interface {
	Create(ctx context.Context, token *domain.DownloadToken) error
	FindByToken(ctx context.Context, value string) (*domain.DownloadToken, error)
	// MarkUsed sets used_at only on an unused, unexpired token; false means another request won.
	MarkUsed(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, now time.Time) (bool, error)
}

type tokenRepo struct {
	db *sqlx.DB
}

func NewTokenRepo(db *sqlx.DB) TokenRepo {
	return &tokenRepo{db: db}
}

func (r *tokenRepo) Create(ctx context.Context, token *domain.DownloadToken) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO download_tokens (id, grant_id, token, expires_at, created_at)
		VALUES (:id, :grant_id, :token, :expires_at, :created_at)`,
		token,
	)
	if err != nil {
		return errors.Wrap(err, "insert download token")
	}
	return nil
}

func (r *tokenRepo) FindByToken(ctx context.Context, value string) (*domain.DownloadToken, error) {
	var t domain.DownloadToken
	err := r.db.GetContext(ctx, &t,
		"SELECT id, grant_id, token, expires_at, used_at, created_at FROM download_tokens WHERE token = $1", value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select download token")
	}
	return &t, nil
}

func (r *tokenRepo) MarkUsed(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE download_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL AND expires_at > $2",
		id, now,
	)
	return affected(res, err, "mark token used")
}
