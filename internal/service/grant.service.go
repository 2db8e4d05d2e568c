package service

import (
	"context"
	"time"

	"digital-delivery/internal/database"
	"digital-delivery/internal/domain"
	"digital-delivery/internal/repo"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type GrantService interface {
	// IssueForOrder creates the missing grants of a paid order and returns the full set.
	// Repeated calls converge on the same set.
	IssueForOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) ([]domain.Grant, error)
	IssueManual(ctx context.Context, input ManualGrantInput) (*domain.Grant, error)
	ListForBuyer(ctx context.Context, buyerID uuid.UUID) ([]domain.Grant, error)
}

// ManualGrantInput describes an administratively issued grant. Nil limits mean unlimited.
type ManualGrantInput struct {
	BuyerID      uuid.UUID
	FileID       uuid.UUID
	MaxDownloads *int
	ExpiresAt    *time.Time
}

type grantService struct {
	db        *sqlx.DB
	orderRepo repo.OrderRepo
	grantRepo repo.GrantRepo
	fileRepo  repo.FileRepo
	policy    domain.GrantPolicy
	logger    *zap.Logger
	now       func() time.Time
}

func NewGrantService(
	db *sqlx.DB,
	orderRepo repo.OrderRepo,
	grantRepo repo.GrantRepo,
	fileRepo repo.FileRepo,
	policy domain.GrantPolicy,
	logger *zap.Logger,
) GrantService {
	return &grantService{
		db:        db,
		orderRepo: orderRepo,
		grantRepo: grantRepo,
		fileRepo:  fileRepo,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *grantService) IssueForOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) ([]domain.Grant, error) {
	if order.Status != domain.OrderPaid {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "grants need a paid order, %s is %s", order.ID, order.Status)
	}

	lines, err := s.orderRepo.Lines(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	files, err := s.fileRepo.ForLines(ctx, tx, lines)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	created := 0
	for i := range files {
		inserted, err := s.grantRepo.InsertForOrder(ctx, tx, s.policy.NewOrderGrant(order, &files[i], now))
		if err != nil {
			return nil, err
		}
		if inserted {
			created++
		}
	}

	s.logger.Info("Grants issued for order",
		zap.String("order_id", order.ID.String()),
		zap.Int("files", len(files)),
		zap.Int("created", created),
	)
	return s.grantRepo.ListByOrder(ctx, tx, order.ID)
}

func (s *grantService) IssueManual(ctx context.Context, input ManualGrantInput) (*domain.Grant, error) {
	if input.MaxDownloads != nil && *input.MaxDownloads <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidOrder, "max downloads must be positive")
	}

	var grant *domain.Grant
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		file, err := s.fileRepo.FindById(ctx, tx, input.FileID)
		if err != nil {
			return err
		}
		grant = &domain.Grant{
			ID:           uuid.New(),
			BuyerID:      input.BuyerID,
			ProductID:    file.ProductID,
			FileID:       file.ID,
			MaxDownloads: input.MaxDownloads,
			ExpiresAt:    input.ExpiresAt,
			CreatedAt:    s.now().UTC(),
		}
		return s.grantRepo.Insert(ctx, tx, grant)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Manual grant issued",
		zap.String("grant_id", grant.ID.String()),
		zap.String("buyer_id", grant.BuyerID.String()),
		zap.String("file_id", grant.FileID.String()),
	)
	return grant, nil
}

func (s *grantService) ListForBuyer(ctx context.Context, buyerID uuid.UUID) ([]domain.Grant, error) {
	return s.grantRepo.ListByBuyer(ctx, buyerID)
}
