// Package lead owns the lead status state machine and lead queries.
package lead

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/identity"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
)

// Action names an owner-driven lifecycle transition.
type Action string

const (
	ActionActivate   Action = "activate"
	ActionPause      Action = "pause"
	ActionReactivate Action = "reactivate"
	ActionComplete   Action = "complete"
	ActionDelete     Action = "delete"
)

// transition is one allowed edge of the state machine.
type transition struct {
	from []string
	to   string
}

// Transitions maps each action to the statuses it may leave and the status it
// enters. Completed, cancelled and deleted are terminal.
var Transitions = map[Action]transition{
	ActionActivate:   {from: []string{models.LeadDraft}, to: models.LeadActive},
	ActionPause:      {from: []string{models.LeadActive}, to: models.LeadPaused},
	ActionReactivate: {from: []string{models.LeadPaused}, to: models.LeadActive},
	ActionComplete:   {from: []string{models.LeadActive, models.LeadPaused}, to: models.LeadCompleted},
	ActionDelete:     {from: []string{models.LeadDraft, models.LeadActive, models.LeadPaused}, to: models.LeadDeleted},
}

// CreateOpts holds parameters for posting a new lead.
type CreateOpts struct {
	OwnerID        string
	Title          string
	Description    string
	Category       string
	BudgetMinCents int64
	BudgetMaxCents int64
	PriceCents     int64
	MaxPurchases   int
	QualityScore   float64
	ExpiresAt      *time.Time
	Publish        bool // create active instead of draft
}

// ListFilters holds optional filters for listing leads.
type ListFilters struct {
	OwnerID        string
	Category       string
	Status         string
	IncludeDeleted bool
	Limit          int
}

// Create posts a new lead in draft, or active when opts.Publish is set.
func Create(db *gorm.DB, opts CreateOpts) (*models.Lead, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("lead: owner is required: %w", apperr.ErrInvalidInput)
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("lead: title is required: %w", apperr.ErrInvalidInput)
	}
	if opts.MaxPurchases < 1 {
		return nil, fmt.Errorf("lead: max purchases must be positive: %w", apperr.ErrInvalidInput)
	}
	if opts.BudgetMaxCents > 0 && opts.BudgetMinCents > opts.BudgetMaxCents {
		return nil, fmt.Errorf("lead: budget min exceeds max: %w", apperr.ErrInvalidInput)
	}
	if opts.PriceCents < 0 {
		return nil, fmt.Errorf("lead: price must not be negative: %w", apperr.ErrInvalidInput)
	}

	status := models.LeadDraft
	if opts.Publish {
		status = models.LeadActive
	}

	l := models.Lead{
		OwnerID:        opts.OwnerID,
		Title:          opts.Title,
		Description:    opts.Description,
		Category:       opts.Category,
		Status:         status,
		BudgetMinCents: opts.BudgetMinCents,
		BudgetMaxCents: opts.BudgetMaxCents,
		PriceCents:     opts.PriceCents,
		MaxPurchases:   opts.MaxPurchases,
		QualityScore:   opts.QualityScore,
		ExpiresAt:      opts.ExpiresAt,
	}
	if err := db.Create(&l).Error; err != nil {
		return nil, fmt.Errorf("lead: create: %w", apperr.Classify(err))
	}
	return &l, nil
}

// Get retrieves a lead by ID, including deleted leads.
func Get(db *gorm.DB, id uint) (*models.Lead, error) {
	var l models.Lead
	if err := db.Where("id = ?", id).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lead: %d: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("lead: get %d: %w", id, apperr.Classify(err))
	}
	return &l, nil
}

// GetVisible retrieves a lead by ID, treating deleted leads as missing.
func GetVisible(db *gorm.DB, id uint) (*models.Lead, error) {
	l, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	if l.Status == models.LeadDeleted {
		return nil, fmt.Errorf("lead: %d is deleted: %w", id, apperr.ErrNotFound)
	}
	return l, nil
}

// List returns leads matching the filters, newest first. Deleted leads are
// excluded unless IncludeDeleted is set or Status asks for them.
func List(db *gorm.DB, filters ListFilters) ([]models.Lead, error) {
	q := db.Model(&models.Lead{})

	if filters.OwnerID != "" {
		q = q.Where("owner_id = ?", filters.OwnerID)
	}
	if filters.Category != "" {
		q = q.Where("category = ?", filters.Category)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	} else if !filters.IncludeDeleted {
		q = q.Where("status <> ?", models.LeadDeleted)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var leads []models.Lead
	if err := q.Order("created_at DESC, id DESC").Find(&leads).Error; err != nil {
		return nil, fmt.Errorf("lead: list: %w", apperr.Classify(err))
	}
	return leads, nil
}

// ListActive returns purchasable leads: active, unexpired and with slots left.
func ListActive(db *gorm.DB, category string, now time.Time, limit int) ([]models.Lead, error) {
	q := db.Model(&models.Lead{}).
		Where("status = ?", models.LeadActive).
		Where("purchased_count < max_purchases").
		Where("expires_at IS NULL OR expires_at > ?", now)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var leads []models.Lead
	if err := q.Order("quality_score DESC, created_at DESC, id DESC").Find(&leads).Error; err != nil {
		return nil, fmt.Errorf("lead: list active: %w", apperr.Classify(err))
	}
	return leads, nil
}

// Transition applies an owner-driven action. The status change is a
// conditional update on the current status, so a concurrent transition or
// purchase cannot be overwritten. Purchase counters, purchases and
// conversations are never touched.
func Transition(db *gorm.DB, leadID uint, actor identity.Actor, action Action) (*models.Lead, error) {
	tr, ok := Transitions[action]
	if !ok {
		return nil, fmt.Errorf("lead: unknown action %q: %w", action, apperr.ErrInvalidInput)
	}

	l, err := Get(db, leadID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("lead: %s on %d by %s: %w", action, leadID, actor.ID, apperr.ErrPermission)
	}
	if !contains(tr.from, l.Status) {
		return nil, invalidTransition(leadID, action, l.Status, tr)
	}

	now := time.Now().UTC()
	result := db.Model(&models.Lead{}).
		Where("id = ? AND status IN ?", leadID, tr.from).
		Updates(map[string]interface{}{"status": tr.to, "updated_at": now})
	if result.Error != nil {
		return nil, fmt.Errorf("lead: %s %d: %w", action, leadID, apperr.Classify(result.Error))
	}
	if result.RowsAffected == 0 {
		// Lost a race with another transition; report against the fresh status.
		current, err := Get(db, leadID)
		if err != nil {
			return nil, err
		}
		return nil, invalidTransition(leadID, action, current.Status, tr)
	}

	l.Status = tr.to
	l.UpdatedAt = now
	return l, nil
}

// ExpireDue cancels active and paused leads whose expiry has passed. It
// returns the number of leads cancelled.
func ExpireDue(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Model(&models.Lead{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]string{models.LeadActive, models.LeadPaused}, now).
		Updates(map[string]interface{}{"status": models.LeadCancelled, "updated_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("lead: expire due: %w", apperr.Classify(result.Error))
	}
	return result.RowsAffected, nil
}

func invalidTransition(leadID uint, action Action, status string, tr transition) error {
	return fmt.Errorf("lead: cannot %s lead %d in status %q (allowed from %v): %w",
		action, leadID, status, tr.from, apperr.ErrInvalidState)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
