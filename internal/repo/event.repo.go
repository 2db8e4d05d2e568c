package repo

import (
	"context"

	"digital-delivery/internal/domain"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// EventRepo is the ledger of provider events already handled.
type EventRepo interface {
	// Record inserts the event id; false means another delivery already recorded it.
	Record(ctx context.Context, tx *sqlx.Tx, event *domain.ProcessedEvent) (bool, error)
	SetOutcome(ctx context.Context, tx *sqlx.Tx, eventID, outcome string) error
}

type eventRepo struct {
	db *sqlx.DB
}

func NewEventRepo(db *sqlx.DB) EventRepo {
	return &eventRepo{db: db}
}

// Record stores the payload verbatim as bytes; a JSON column would refuse some
// signed payloads, such as strings carrying a \u0000 escape.
func (r *eventRepo) Record(ctx context.Context, tx *sqlx.Tx, event *domain.ProcessedEvent) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, outcome, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.Outcome, []byte(event.Payload), event.ProcessedAt,
	)
	return affected(res, err, "record event")
}

func (r *eventRepo) SetOutcome(ctx context.Context, tx *sqlx.Tx, eventID, outcome string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE processed_events SET outcome = $2 WHERE event_id = $1", eventID, outcome,
	); err != nil {
		return errors.Wrap(err, "set event outcome")
	}
	return nil
}
