package domain

import (
	"time"

	"github.com/google/uuid"
)

// Grant entitles a buyer to download one file a bounded number of times.
// A nil OrderID marks an administratively issued grant.
type Grant struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	BuyerID       uuid.UUID  `db:"buyer_id" json:"buyer_id"`
	ProductID     uuid.UUID  `db:"product_id" json:"product_id"`
	FileID        uuid.UUID  `db:"file_id" json:"file_id"`
	OrderID       *uuid.UUID `db:"order_id" json:"order_id,omitempty"`
	MaxDownloads  *int       `db:"max_downloads" json:"max_downloads,omitempty"`
	DownloadsUsed int        `db:"downloads_used" json:"downloads_used"`
	ExpiresAt     *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Remaining returns the downloads left, or -1 when the grant is unlimited.
func (g *Grant) Remaining() int {
	if g.MaxDownloads == nil {
		return -1
	}
	if left := *g.MaxDownloads - g.DownloadsUsed; left > 0 {
		return left
	}
	return 0
}

func (g *Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// IsValid reports whether the grant is unexpired with downloads remaining.
func (g *Grant) IsValid(now time.Time) bool {
	return !g.Expired(now) && g.Remaining() != 0
}

// GrantPolicy is the default entitlement applied to purchased files.
type GrantPolicy struct {
	MaxDownloads int
	Validity     time.Duration
}

// NewOrderGrant builds the grant an order line should produce for a file.
// A zero MaxDownloads or Validity leaves the respective limit unset.
func (p GrantPolicy) NewOrderGrant(order *Order, file *File, now time.Time) *Grant {
	orderID := order.ID
	g := &Grant{
		ID:        uuid.New(),
		BuyerID:   order.BuyerID,
		ProductID: file.ProductID,
		FileID:    file.ID,
		OrderID:   &orderID,
		CreatedAt: now,
	}
	if p.MaxDownloads > 0 {
		limit := p.MaxDownloads
		g.MaxDownloads = &limit
	}
	if p.Validity > 0 {
		exp := now.Add(p.Validity)
		g.ExpiresAt = &exp
	}
	return g
}
