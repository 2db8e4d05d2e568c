package domain

import (
	"time"

	"github.com/google/uuid"
)

type DownloadToken struct {
	ID        uuid.UUID  `db:"id"`
	GrantID   uuid.UUID  `db:"grant_id"`
	Token     string     `db:"token"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

func (t *DownloadToken) IsValid(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}

// IssuedToken is handed to the buyer for the second download step.
type IssuedToken struct {
	Token      string    `json:"token"`
	ConsumeURL string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// File is a catalog entry addressed in the content store by disk and path.
type File struct {
	ID          uuid.UUID `db:"id"`
	ProductID   uuid.UUID `db:"product_id"`
	Disk        string    `db:"disk"`
	Path        string    `db:"path"`
	DisplayName string    `db:"display_name"`
	MimeType    string    `db:"mime_type"`
}

// Download describes a consumed token: where to stream bytes from and how to present them.
type Download struct {
	GrantID     uuid.UUID
	Disk        string
	Path        string
	DisplayName string
	MimeType    string
	Size        int64
}
