// Package quota gates buyer views and purchases against the per-period
// allowance of their subscription plan.
package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/config"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPeriodDays = 30

// Usage is a snapshot of a buyer's allowance in the current period.
type Usage struct {
	BuyerID        string    `json:"buyer_id"`
	Plan           string    `json:"plan"`
	Unlimited      bool      `json:"unlimited"`
	MaxViews       int       `json:"max_views"`
	UsedViews      int       `json:"used_views"`
	RemainingViews int       `json:"remaining_views"`
	IncludedLeads  int       `json:"included_leads"`
	UsedLeads      int       `json:"used_leads"`
	RemainingLeads int       `json:"remaining_leads"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

// Subscribe puts buyerID on plan with a fresh period starting at now. An
// existing subscription is replaced and its counters reset.
func Subscribe(db *gorm.DB, buyerID string, plan config.PlanConfig, now time.Time) (*models.Subscription, error) {
	if buyerID == "" {
		return nil, fmt.Errorf("quota: buyer is required: %w", apperr.ErrInvalidInput)
	}
	if plan.Name == "" {
		return nil, fmt.Errorf("quota: plan name is required: %w", apperr.ErrInvalidInput)
	}
	days := plan.PeriodDays
	if days <= 0 {
		days = defaultPeriodDays
	}
	now = now.UTC()

	sub := models.Subscription{
		BuyerID:            buyerID,
		Plan:               plan.Name,
		Unlimited:          plan.Unlimited,
		MaxViews:           plan.MaxViews,
		IncludedLeads:      plan.IncludedLeads,
		PeriodDays:         days,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, days),
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "buyer_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"plan":                 sub.Plan,
			"unlimited":            sub.Unlimited,
			"max_views":            sub.MaxViews,
			"included_leads":       sub.IncludedLeads,
			"period_days":          sub.PeriodDays,
			"used_views":           0,
			"used_leads":           0,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"updated_at":           now,
		}),
	}).Create(&sub).Error
	if err != nil {
		return nil, fmt.Errorf("quota: subscribe %s: %w", buyerID, apperr.Classify(err))
	}
	return Get(db, buyerID)
}

// Get returns the buyer's subscription as stored, without rolling it over.
func Get(db *gorm.DB, buyerID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := db.Where("buyer_id = ?", buyerID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("quota: no subscription for %s: %w", buyerID, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("quota: get %s: %w", buyerID, apperr.Classify(err))
	}
	return &sub, nil
}

// Rollover returns the buyer's subscription, first resetting its counters and
// advancing the window if now is past the period end. The reset is a
// conditional update on the stale window, so concurrent callers roll over at
// most once.
func Rollover(db *gorm.DB, buyerID string, now time.Time) (*models.Subscription, error) {
	sub, err := Get(db, buyerID)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	if !now.After(sub.CurrentPeriodEnd) {
		return sub, nil
	}

	start, end := nextWindow(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.PeriodDays, now)
	result := db.Model(&models.Subscription{}).
		Where("id = ? AND current_period_end < ?", sub.ID, now).
		Updates(map[string]interface{}{
			"used_views":           0,
			"used_leads":           0,
			"current_period_start": start,
			"current_period_end":   end,
			"updated_at":           now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("quota: rollover %s: %w", buyerID, apperr.Classify(result.Error))
	}
	return Get(db, buyerID)
}

// nextWindow advances whole periods from end until the window contains now.
func nextWindow(start, end time.Time, days int, now time.Time) (time.Time, time.Time) {
	if days <= 0 {
		days = defaultPeriodDays
	}
	for now.After(end) {
		start = end
		end = start.AddDate(0, 0, days)
	}
	return start, end
}

// RolloverDue rolls over every subscription whose period has ended and
// returns how many were advanced.
func RolloverDue(db *gorm.DB, now time.Time) (int, error) {
	var buyers []string
	if err := db.Model(&models.Subscription{}).
		Where("current_period_end < ?", now.UTC()).
		Pluck("buyer_id", &buyers).Error; err != nil {
		return 0, fmt.Errorf("quota: list due: %w", apperr.Classify(err))
	}
	for i, b := range buyers {
		if _, err := Rollover(db, b, now); err != nil {
			return i, err
		}
	}
	return len(buyers), nil
}

// GetUsage rolls the subscription forward and reports the remaining allowance.
func GetUsage(db *gorm.DB, buyerID string, now time.Time) (*Usage, error) {
	sub, err := Rollover(db, buyerID, now)
	if err != nil {
		return nil, err
	}
	u := &Usage{
		BuyerID:       sub.BuyerID,
		Plan:          sub.Plan,
		Unlimited:     sub.Unlimited,
		MaxViews:      sub.MaxViews,
		UsedViews:     sub.UsedViews,
		IncludedLeads: sub.IncludedLeads,
		UsedLeads:     sub.UsedLeads,
		PeriodStart:   sub.CurrentPeriodStart,
		PeriodEnd:     sub.CurrentPeriodEnd,
	}
	if !sub.Unlimited {
		u.RemainingViews = max(sub.MaxViews-sub.UsedViews, 0)
		u.RemainingLeads = max(sub.IncludedLeads-sub.UsedLeads, 0)
	}
	return u, nil
}

// OwnsPurchase reports whether buyerID has purchased leadID.
func OwnsPurchase(db *gorm.DB, buyerID string, leadID uint) (bool, error) {
	var n int64
	if err := db.Model(&models.Purchase{}).
		Where("lead_id = ? AND buyer_id = ?", leadID, buyerID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("quota: purchase lookup: %w", apperr.Classify(err))
	}
	return n > 0, nil
}

// CanView reports whether buyerID may view leadID now. Purchasers and buyers
// who already viewed the lead this period always may.
func CanView(db *gorm.DB, buyerID string, leadID uint, now time.Time) (bool, error) {
	owns, err := OwnsPurchase(db, buyerID, leadID)
	if err != nil || owns {
		return owns, err
	}
	sub, err := Rollover(db, buyerID, now)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sub.Unlimited {
		return true, nil
	}
	seen, err := viewedThisPeriod(db, sub, leadID)
	if err != nil || seen {
		return seen, err
	}
	return sub.UsedViews < sub.MaxViews, nil
}

// CanPurchase reports whether buyerID has a purchase left this period.
func CanPurchase(db *gorm.DB, buyerID string, now time.Time) (bool, error) {
	sub, err := Rollover(db, buyerID, now)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.Unlimited || sub.UsedLeads < sub.IncludedLeads, nil
}

// RecordView consumes one view for the first view of leadID by buyerID in
// the current period. Purchasers and repeat viewers consume nothing.
func RecordView(db *gorm.DB, buyerID string, leadID uint, now time.Time) error {
	owns, err := OwnsPurchase(db, buyerID, leadID)
	if err != nil || owns {
		return err
	}
	now = now.UTC()

	return db.Transaction(func(tx *gorm.DB) error {
		sub, err := Rollover(tx, buyerID, now)
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("quota: %s has no subscription: %w", buyerID, apperr.ErrQuotaExceeded)
		}
		if err != nil {
			return err
		}

		view := models.LeadView{
			BuyerID:     buyerID,
			LeadID:      leadID,
			PeriodStart: sub.CurrentPeriodStart,
			ViewedAt:    now,
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&view)
		if ins.Error != nil {
			return fmt.Errorf("quota: record view: %w", apperr.Classify(ins.Error))
		}
		if ins.RowsAffected == 0 {
			return nil
		}

		q := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID)
		if !sub.Unlimited {
			q = q.Where("used_views < max_views")
		}
		upd := q.Update("used_views", gorm.Expr("used_views + 1"))
		if upd.Error != nil {
			return fmt.Errorf("quota: consume view: %w", apperr.Classify(upd.Error))
		}
		if upd.RowsAffected == 0 {
			return fmt.Errorf("quota: %s used %d of %d views: %w",
				buyerID, sub.UsedViews, sub.MaxViews, apperr.ErrQuotaExceeded)
		}
		return nil
	})
}

// ConsumePurchase takes one purchase from the buyer's allowance. It must run
// inside the purchase transaction so that a later failure returns the
// allowance. The check and increment are one conditional update.
func ConsumePurchase(tx *gorm.DB, buyerID string, now time.Time) error {
	sub, err := Rollover(tx, buyerID, now)
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("quota: %s has no subscription: %w", buyerID, apperr.ErrQuotaExceeded)
	}
	if err != nil {
		return err
	}

	result := tx.Model(&models.Subscription{}).
		Where("id = ? AND (unlimited = ? OR used_leads < included_leads)", sub.ID, true).
		Update("used_leads", gorm.Expr("used_leads + 1"))
	if result.Error != nil {
		return fmt.Errorf("quota: consume purchase: %w", apperr.Classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("quota: %s used %d of %d leads: %w",
			buyerID, sub.UsedLeads, sub.IncludedLeads, apperr.ErrQuotaExceeded)
	}
	return nil
}

func viewedThisPeriod(db *gorm.DB, sub *models.Subscription, leadID uint) (bool, error) {
	var n int64
	if err := db.Model(&models.LeadView{}).
		Where("buyer_id = ? AND lead_id = ? AND period_start = ?", sub.BuyerID, leadID, sub.CurrentPeriodStart).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("quota: view lookup: %w", apperr.Classify(err))
	}
	return n > 0, nil
}
