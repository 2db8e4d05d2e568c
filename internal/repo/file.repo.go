package repo

import (
	"context"
	"database/sql"

	"digital-delivery/internal/domain"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const fileColumns = "id, product_id, disk, path, display_name, mime_type"

// FileRepo reads the file catalog; catalog maintenance lives elsewhere.
type FileRepo interface {
	FindById(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.File, error)
	// ForLines resolves the files purchased by order lines: the line's own file when set,
	// otherwise every file of the line's product.
	ForLines(ctx context.Context, q sqlx.QueryerContext, lines []domain.OrderLine) ([]domain.File, error)
}

type fileRepo struct {
	db *sqlx.DB
}

func NewFileRepo(db *sqlx.DB) FileRepo {
	return &fileRepo{db: db}
}

func (r *fileRepo) FindById(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.File, error) {
	var f domain.File
	err := sqlx.GetContext(ctx, q, &f, "SELECT "+fileColumns+" FROM files WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFileNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select file")
	}
	return &f, nil
}

func (r *fileRepo) ForLines(ctx context.Context, q sqlx.QueryerContext, lines []domain.OrderLine) ([]domain.File, error) {
	var fileIDs, productIDs []uuid.UUID
	for _, l := range lines {
		if l.FileID != nil {
			fileIDs = append(fileIDs, *l.FileID)
		} else {
			productIDs = append(productIDs, l.ProductID)
		}
	}

	var files []domain.File
	if len(fileIDs) > 0 {
		byID, err := r.selectIn(ctx, q, "id", fileIDs)
		if err != nil {
			return nil, err
		}
		files = append(files, byID...)
	}
	if len(productIDs) > 0 {
		byProduct, err := r.selectIn(ctx, q, "product_id", productIDs)
		if err != nil {
			return nil, err
		}
		files = append(files, byProduct...)
	}
	return dedupeFiles(files), nil
}

func (r *fileRepo) selectIn(ctx context.Context, q sqlx.QueryerContext, column string, ids []uuid.UUID) ([]domain.File, error) {
	query, args, err := sqlx.In("SELECT "+fileColumns+" FROM files WHERE "+column+" IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, errors.Wrap(err, "build file query")
	}
	var files []domain.File
	if err := sqlx.SelectContext(ctx, q, &files, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, errors.Wrap(err, "select files")
	}
	return files, nil
}

func dedupeFiles(files []domain.File) []domain.File {
	seen := make(map[uuid.UUID]struct{}, len(files))
	out := files[:0]
	for _, f := range files {
		if _, ok := seen[f.ID]; ok {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f)
	}
	return out
}
