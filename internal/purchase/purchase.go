// Package purchase allocates capacity-limited lead purchases. Capacity and
// buyer uniqueness are enforced by the store: a conditional counter
// increment and unique indexes on (lead, buyer) and (buyer, key).
package purchase

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/conversation"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/lead"
	"github.com/zulandar/leadyard/internal/models"
	"github.com/zulandar/leadyard/internal/quota"
	"gorm.io/gorm"
)

// Opts holds parameters for a purchase.
type Opts struct {
	LeadID         uint
	BuyerID        string
	IdempotencyKey string
	Now            time.Time // zero means time.Now
}

// Result is the outcome of a successful purchase. Replayed is set when the
// purchase already existed and nothing new was written.
type Result struct {
	Purchase     models.Purchase     `json:"purchase"`
	Conversation models.Conversation `json:"conversation"`
	Replayed     bool                `json:"replayed"`
}

// Purchase buys leadID for the buyer. A retry with the same idempotency key,
// or any call for a lead the buyer already owns, returns the original
// purchase and conversation. Nothing is persisted unless the whole
// allocation commits: quota, counter, purchase row and conversation.
func Purchase(gormDB *gorm.DB, opts Opts) (*Result, error) {
	if opts.LeadID == 0 || opts.BuyerID == "" {
		return nil, fmt.Errorf("purchase: lead and buyer are required: %w", apperr.ErrInvalidInput)
	}
	if opts.IdempotencyKey == "" {
		return nil, fmt.Errorf("purchase: idempotency key is required: %w", apperr.ErrInvalidInput)
	}
	now := opts.Now.UTC()
	if opts.Now.IsZero() {
		now = time.Now().UTC()
	}

	if res, err := replay(gormDB, opts); res != nil || err != nil {
		return res, err
	}

	var res *Result
	err := gormDB.Transaction(func(tx *gorm.DB) error {
		l, err := lead.Get(tx, opts.LeadID)
		if err != nil {
			return err
		}
		if err := checkPurchasable(l, opts.BuyerID, now); err != nil {
			return err
		}
		if err := quota.ConsumePurchase(tx, opts.BuyerID, now); err != nil {
			return err
		}
		if err := claimSlot(tx, l.ID); err != nil {
			return err
		}

		p := models.Purchase{
			LeadID:         l.ID,
			BuyerID:        opts.BuyerID,
			IdempotencyKey: opts.IdempotencyKey,
			PriceCents:     l.PriceCents,
			PurchasedAt:    now,
		}
		if err := tx.Create(&p).Error; err != nil {
			if db.IsDuplicate(err) {
				return fmt.Errorf("purchase: lead %d by %s: %w", l.ID, opts.BuyerID, apperr.ErrAlreadyPurchased)
			}
			return fmt.Errorf("purchase: insert: %w", apperr.Classify(err))
		}

		conv, err := conversation.GetOrCreate(tx, l.ID, l.OwnerID, opts.BuyerID)
		if err != nil {
			return err
		}
		res = &Result{Purchase: p, Conversation: *conv}
		return nil
	})
	if errors.Is(err, apperr.ErrAlreadyPurchased) {
		// Lost the race to a concurrent call for the same buyer; the
		// winner's rows are committed.
		res, err := replay(gormDB, opts)
		if err == nil && res == nil {
			err = fmt.Errorf("purchase: lead %d by %s: %w", opts.LeadID, opts.BuyerID, apperr.ErrConflict)
		}
		return res, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func checkPurchasable(l *models.Lead, buyerID string, now time.Time) error {
	switch {
	case l.Status == models.LeadDeleted:
		return fmt.Errorf("purchase: lead %d is deleted: %w", l.ID, apperr.ErrNotFound)
	case l.OwnerID == buyerID:
		return fmt.Errorf("purchase: %s owns lead %d: %w", buyerID, l.ID, apperr.ErrPermission)
	case l.Status != models.LeadActive:
		return fmt.Errorf("purchase: lead %d is %s: %w", l.ID, l.Status, apperr.ErrInvalidState)
	case l.Expired(now):
		return fmt.Errorf("purchase: lead %d expired: %w", l.ID, apperr.ErrInvalidState)
	case l.RemainingSlots() == 0:
		return fmt.Errorf("purchase: lead %d: %w", l.ID, apperr.ErrSoldOut)
	}
	return nil
}

// claimSlot increments purchased_count only while the lead is active and
// below capacity. The read in checkPurchasable is advisory; this update is
// the capacity check.
func claimSlot(tx *gorm.DB, leadID uint) error {
	result := tx.Model(&models.Lead{}).
		Where("id = ? AND status = ? AND purchased_count < max_purchases", leadID, models.LeadActive).
		Update("purchased_count", gorm.Expr("purchased_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("purchase: claim slot on %d: %w", leadID, apperr.Classify(result.Error))
	}
	if result.RowsAffected == 1 {
		return nil
	}

	current, err := lead.Get(tx, leadID)
	if err != nil {
		return err
	}
	if current.Status != models.LeadActive {
		return fmt.Errorf("purchase: lead %d is %s: %w", leadID, current.Status, apperr.ErrInvalidState)
	}
	return fmt.Errorf("purchase: lead %d: %w", leadID, apperr.ErrSoldOut)
}

// replay returns the existing result for the buyer's idempotency key or for
// the (lead, buyer) pair. It returns nil, nil when neither exists.
func replay(gormDB *gorm.DB, opts Opts) (*Result, error) {
	var p models.Purchase
	found, err := first(gormDB.Where("buyer_id = ? AND idempotency_key = ?", opts.BuyerID, opts.IdempotencyKey), &p)
	if err != nil {
		return nil, err
	}
	if found && p.LeadID != opts.LeadID {
		return nil, fmt.Errorf("purchase: key %q already used by %s for lead %d: %w",
			opts.IdempotencyKey, opts.BuyerID, p.LeadID, apperr.ErrConflict)
	}
	if !found {
		found, err = first(gormDB.Where("lead_id = ? AND buyer_id = ?", opts.LeadID, opts.BuyerID), &p)
		if err != nil || !found {
			return nil, err
		}
	}

	l, err := lead.Get(gormDB, p.LeadID)
	if err != nil {
		return nil, err
	}
	conv, err := conversation.GetOrCreate(gormDB, l.ID, l.OwnerID, p.BuyerID)
	if err != nil {
		return nil, err
	}
	return &Result{Purchase: p, Conversation: *conv, Replayed: true}, nil
}

func first(q *gorm.DB, p *models.Purchase) (bool, error) {
	err := q.First(p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("purchase: lookup: %w", apperr.Classify(err))
	}
	return true, nil
}

// Get retrieves a purchase by ID.
func Get(gormDB *gorm.DB, id uint) (*models.Purchase, error) {
	var p models.Purchase
	found, err := first(gormDB.Where("id = ?", id), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("purchase: %d: %w", id, apperr.ErrNotFound)
	}
	return &p, nil
}

// ListForBuyer returns the buyer's purchases, newest first.
func ListForBuyer(gormDB *gorm.DB, buyerID string) ([]models.Purchase, error) {
	var out []models.Purchase
	if err := gormDB.Where("buyer_id = ?", buyerID).
		Order("purchased_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("purchase: list for %s: %w", buyerID, apperr.Classify(err))
	}
	return out, nil
}

// MarkContacted records when the buyer first contacted the lead owner.
func MarkContacted(gormDB *gorm.DB, purchaseID uint, buyerID string, now time.Time) (*models.Purchase, error) {
	return mark(gormDB, purchaseID, buyerID, "contacted_at", now)
}

// MarkQuoted records when the buyer first submitted a quote.
func MarkQuoted(gormDB *gorm.DB, purchaseID uint, buyerID string, now time.Time) (*models.Purchase, error) {
	return mark(gormDB, purchaseID, buyerID, "quote_submitted_at", now)
}

// mark sets an optional marker column once; later calls keep the first time.
func mark(gormDB *gorm.DB, purchaseID uint, buyerID, column string, now time.Time) (*models.Purchase, error) {
	p, err := Get(gormDB, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.BuyerID != buyerID {
		return nil, fmt.Errorf("purchase: %s on %d by %s: %w", column, purchaseID, buyerID, apperr.ErrPermission)
	}
	if err := gormDB.Model(&models.Purchase{}).
		Where("id = ? AND "+column+" IS NULL", purchaseID).
		Update(column, now.UTC()).Error; err != nil {
		return nil, fmt.Errorf("purchase: set %s on %d: %w", column, purchaseID, apperr.Classify(err))
	}
	return Get(gormDB, purchaseID)
}
