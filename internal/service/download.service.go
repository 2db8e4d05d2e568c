package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"digital-delivery/internal/database"
	"digital-delivery/internal/domain"
	"digital-delivery/internal/infrastructure/ratelimit"
	"digital-delivery/internal/infrastructure/storage"
	"digital-delivery/internal/metrics"
	"digital-delivery/internal/repo"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const tokenBytes = 32

// DownloadService runs the two-step download: a rate-limited token issuance, then
// a single-use consumption that spends one download of the grant.
type DownloadService interface {
	IssueToken(ctx context.Context, grantID, requester uuid.UUID) (*domain.IssuedToken, error)
	Consume(ctx context.Context, token string) (*domain.Download, error)
}

type DownloadOptions struct {
	TokenTTL      time.Duration
	PublicBaseURL string
}

type downloadService struct {
	db        *sqlx.DB
	grantRepo repo.GrantRepo
	tokenRepo repo.TokenRepo
	fileRepo  repo.FileRepo
	limiter   ratelimit.Limiter
	store     storage.ContentStore
	opts      DownloadOptions
	logger    *zap.Logger
	now       func() time.Time
}

func NewDownloadService(
	db *sqlx.DB,
	grantRepo repo.GrantRepo,
	tokenRepo repo.TokenRepo,
	fileRepo repo.FileRepo,
	limiter ratelimit.Limiter,
	store storage.ContentStore,
	opts DownloadOptions,
	logger *zap.Logger,
) DownloadService {
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &downloadService{
		db:        db,
		grantRepo: grantRepo,
		tokenRepo: tokenRepo,
		fileRepo:  fileRepo,
		limiter:   limiter,
		store:     store,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *downloadService) IssueToken(ctx context.Context, grantID, requester uuid.UUID) (*domain.IssuedToken, error) {
	grant, err := s.grantRepo.FindById(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.BuyerID != requester {
		return nil, domain.ErrNotGrantOwner
	}
	now := s.now().UTC()
	if !grant.IsValid(now) {
		return nil, errors.Wrapf(domain.ErrGrantInvalid, "grant %s", grant.ID)
	}

	wait, err := s.limiter.Allow(ctx, grant.ID.String())
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		metrics.TokensRateLimitedTotal.Inc()
		return nil, &domain.RateLimitedError{RetryAfter: wait}
	}

	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}
	token := &domain.DownloadToken{
		ID:        uuid.New(),
		GrantID:   grant.ID,
		Token:     value,
		ExpiresAt: now.Add(s.opts.TokenTTL),
		CreatedAt: now,
	}
	if err := s.tokenRepo.Create(ctx, token); err != nil {
		// No token exists, so the window slot goes back to the buyer.
		if rerr := s.limiter.Release(ctx, grant.ID.String()); rerr != nil {
			s.logger.Warn("Failed to release rate limit slot",
				zap.String("grant_id", grant.ID.String()),
				zap.Error(rerr),
			)
		}
		return nil, err
	}

	metrics.TokensIssuedTotal.Inc()
	s.logger.Info("Download token issued",
		zap.String("grant_id", grant.ID.String()),
		zap.String("token_id", token.ID.String()),
	)
	return &domain.IssuedToken{
		Token:      value,
		ConsumeURL: s.opts.PublicBaseURL + "/downloads/" + value,
		ExpiresAt:  token.ExpiresAt,
	}, nil
}

func (s *downloadService) Consume(ctx context.Context, value string) (*domain.Download, error) {
	download, err := s.consume(ctx, value)
	metrics.DownloadsTotal.WithLabelValues(consumeOutcome(err)).Inc()
	return download, err
}

func (s *downloadService) consume(ctx context.Context, value string) (*domain.Download, error) {
	token, err := s.tokenRepo.FindByToken(ctx, value)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !token.IsValid(now) {
		return nil, errors.Wrapf(domain.ErrTokenInvalid, "token %s", token.ID)
	}
	grant, err := s.grantRepo.FindById(ctx, token.GrantID)
	if err != nil {
		return nil, err
	}
	if !grant.IsValid(now) {
		return nil, errors.Wrapf(domain.ErrGrantInvalid, "grant %s", grant.ID)
	}

	var download *domain.Download
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		won, err := s.tokenRepo.MarkUsed(ctx, tx, token.ID, now)
		if err != nil {
			return err
		}
		if !won {
			return errors.Wrapf(domain.ErrTokenInvalid, "token %s", token.ID)
		}

		// A concurrent consumption may have spent the last download since the check above;
		// the guarded increment fails then and the token mark rolls back with it.
		updated, err := s.grantRepo.IncrementUsage(ctx, tx, grant.ID, now)
		if err != nil {
			return err
		}

		file, err := s.fileRepo.FindById(ctx, tx, updated.FileID)
		if err != nil {
			return err
		}
		exists, err := s.store.Exists(ctx, file.Disk, file.Path)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Wrapf(domain.ErrFileNotFound, "%s:%s", file.Disk, file.Path)
		}
		size, err := s.store.Size(ctx, file.Disk, file.Path)
		if err != nil {
			return err
		}

		download = &domain.Download{
			GrantID:     updated.ID,
			Disk:        file.Disk,
			Path:        file.Path,
			DisplayName: file.DisplayName,
			MimeType:    file.MimeType,
			Size:        size,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Download token consumed",
		zap.String("token_id", token.ID.String()),
		zap.String("grant_id", download.GrantID.String()),
	)
	return download, nil
}

func consumeOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch domain.ClassOf(err) {
	case domain.ClassNotFound:
		return "not_found"
	case domain.ClassStateConflict:
		return "rejected"
	}
	return "error"
}

func newTokenValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate download token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
