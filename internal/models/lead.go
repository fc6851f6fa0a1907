package models

import "time"

// Lead status values.
const (
	LeadDraft     = "draft"
	LeadActive    = "active"
	LeadPaused    = "paused"
	LeadCompleted = "completed"
	LeadCancelled = "cancelled"
	LeadDeleted   = "deleted"
)

// Lead is a posted service request that a limited number of buyers may purchase.
type Lead struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	OwnerID        string `gorm:"size:64;not null;index"`
	Title          string `gorm:"size:256;not null"`
	Description    string `gorm:"type:text"`
	Category       string `gorm:"size:64;index"`
	Status         string `gorm:"size:16;default:draft;index"`
	BudgetMinCents int64
	BudgetMaxCents int64
	PriceCents     int64
	MaxPurchases   int `gorm:"not null;default:5"`
	PurchasedCount int `gorm:"not null;default:0"`
	QualityScore   float64
	ExpiresAt      *time.Time `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingSlots returns how many more buyers may purchase the lead.
func (l *Lead) RemainingSlots() int {
	if n := l.MaxPurchases - l.PurchasedCount; n > 0 {
		return n
	}
	return 0
}

// Expired reports whether the lead has an expiry at or before now.
func (l *Lead) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Purchase is a buyer's paid acquisition of contact access to a lead.
// At most one exists per (lead, buyer); the idempotency key is unique per buyer.
type Purchase struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	LeadID           uint   `gorm:"not null;uniqueIndex:idx_purchase_lead_buyer,priority:1"`
	BuyerID          string `gorm:"size:64;not null;uniqueIndex:idx_purchase_lead_buyer,priority:2;uniqueIndex:idx_purchase_buyer_key,priority:1"`
	IdempotencyKey   string `gorm:"size:128;not null;uniqueIndex:idx_purchase_buyer_key,priority:2"`
	PriceCents       int64
	PurchasedAt      time.Time
	ContactedAt      *time.Time
	QuoteSubmittedAt *time.Time
}
