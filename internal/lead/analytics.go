package lead

import (
	"fmt"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/identity"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
)

// Analytics summarises purchase and communication activity on one lead.
type Analytics struct {
	LeadID         uint       `json:"lead_id"`
	Status         string     `json:"status"`
	MaxPurchases   int        `json:"max_purchases"`
	PurchasedCount int        `json:"purchased_count"`
	RemainingSlots int        `json:"remaining_slots"`
	RevenueCents   int64      `json:"revenue_cents"`
	Contacted      int64      `json:"contacted"`
	Quoted         int64      `json:"quoted"`
	Conversations  int64      `json:"conversations"`
	Messages       int64      `json:"messages"`
	UnreadForOwner int64      `json:"unread_for_owner"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}

// purchaseTotals is the scan target for the purchase aggregate query.
type purchaseTotals struct {
	Revenue   int64
	Contacted int64
	Quoted    int64
}

// GetAnalytics returns activity for a lead. Only the owner or an admin may
// read it; deleted and completed leads keep their history.
func GetAnalytics(db *gorm.DB, leadID uint, actor identity.Actor) (*Analytics, error) {
	l, err := Get(db, leadID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("lead: analytics for %d by %s: %w", leadID, actor.ID, apperr.ErrPermission)
	}

	a := Analytics{
		LeadID:         l.ID,
		Status:         l.Status,
		MaxPurchases:   l.MaxPurchases,
		PurchasedCount: l.PurchasedCount,
		RemainingSlots: l.RemainingSlots(),
	}

	const purchaseTotalsColumns = "COALESCE(SUM(price_cents), 0) AS revenue, COUNT(contacted_at) AS contacted, COUNT(quote_submitted_at) AS quoted"
	var totals purchaseTotals
	if err := db.Model(&models.Purchase{}).
		Select(purchaseTotalsColumns).
		Where("lead_id = ?", leadID).
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("lead: analytics purchases %d: %w", leadID, apperr.Classify(err))
	}
	a.RevenueCents = totals.Revenue
	a.Contacted = totals.Contacted
	a.Quoted = totals.Quoted

	var convIDs []uint
	if err := db.Model(&models.Conversation{}).
		Where("lead_id = ?", leadID).
		Pluck("id", &convIDs).Error; err != nil {
		return nil, fmt.Errorf("lead: analytics conversations %d: %w", leadID, apperr.Classify(err))
	}
	a.Conversations = int64(len(convIDs))
	if len(convIDs) == 0 {
		return &a, nil
	}

	if err := db.Model(&models.Message{}).
		Where("conversation_id IN ?", convIDs).
		Count(&a.Messages).Error; err != nil {
		return nil, fmt.Errorf("lead: analytics messages %d: %w", leadID, apperr.Classify(err))
	}
	if err := db.Model(&models.Message{}).
		Where("conversation_id IN ? AND recipient_id = ? AND read_at IS NULL", convIDs, l.OwnerID).
		Count(&a.UnreadForOwner).Error; err != nil {
		return nil, fmt.Errorf("lead: analytics unread %d: %w", leadID, apperr.Classify(err))
	}

	var last models.Conversation
	result := db.Where("lead_id = ? AND last_message_at IS NOT NULL", leadID).
		Order("last_message_at DESC").Limit(1).Find(&last)
	if result.Error != nil {
		return nil, fmt.Errorf("lead: analytics last message %d: %w", leadID, apperr.Classify(result.Error))
	}
	if result.RowsAffected > 0 {
		a.LastMessageAt = last.LastMessageAt
	}
	return &a, nil
}
