package market

import (
	"context"
	"fmt"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/lead"
	"github.com/zulandar/leadyard/internal/models"
	"github.com/zulandar/leadyard/internal/quota"
	"gorm.io/gorm"
)

// CreateLead posts a lead owned by the acting user. MaxPurchases defaults to
// the configured capacity.
func (m *Market) CreateLead(ctx context.Context, opts lead.CreateOpts) (*models.Lead, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	opts.OwnerID = actor.ID
	if opts.MaxPurchases == 0 {
		opts.MaxPurchases = m.cfg.DefaultMaxPurchases
	}
	l, err := lead.Create(m.db.WithContext(ctx), opts)
	if err != nil {
		return nil, err
	}
	m.logger.Info("lead created", "lead", l.ID, "owner", l.OwnerID, "status", l.Status, "capacity", l.MaxPurchases)
	return l, nil
}

// ListActiveLeads returns purchasable leads.
func (m *Market) ListActiveLeads(ctx context.Context, category string, limit int) ([]models.Lead, error) {
	var out []models.Lead
	err := m.withRetry(ctx, "list leads", func(db *gorm.DB) error {
		var err error
		out, err = lead.ListActive(db, category, m.now(), limit)
		return err
	})
	return out, err
}

// ListOwnLeads returns the acting user's leads, deleted ones included when asked.
func (m *Market) ListOwnLeads(ctx context.Context, filters lead.ListFilters) ([]models.Lead, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	filters.OwnerID = actor.ID
	return lead.List(m.db.WithContext(ctx), filters)
}

// ViewLead returns a lead for display. Owners and admins always see their
// leads; other users see active leads through the view quota, and leads
// they purchased without it.
func (m *Market) ViewLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := m.db.WithContext(ctx)
	l, err := lead.GetVisible(db, leadID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID == actor.ID || actor.IsAdmin() {
		return l, nil
	}

	owns, err := quota.OwnsPurchase(db, actor.ID, leadID)
	if err != nil {
		return nil, err
	}
	if owns {
		return l, nil
	}
	if l.Status != models.LeadActive {
		return nil, fmt.Errorf("market: lead %d is %s: %w", leadID, l.Status, apperr.ErrNotFound)
	}
	if l.Expired(m.now()) {
		return nil, fmt.Errorf("market: lead %d expired: %w", leadID, apperr.ErrNotFound)
	}
	ok, err := quota.CanView(db, actor.ID, leadID, m.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("market: %s has no views left: %w", actor.ID, apperr.ErrQuotaExceeded)
	}
	if err := m.withRetry(ctx, "record view", func(db *gorm.DB) error {
		return quota.RecordView(db, actor.ID, leadID, m.now())
	}); err != nil {
		return nil, err
	}
	return l, nil
}

// LeadAccess tells a user what they may do with a lead right now.
type LeadAccess struct {
	LeadID         uint `json:"lead_id"`
	Owner          bool `json:"owner"`
	Purchased      bool `json:"purchased"`
	CanView        bool `json:"can_view"`
	CanPurchase    bool `json:"can_purchase"`
	RemainingSlots int  `json:"remaining_slots"`
}

// Access reports the acting user's standing on a lead without consuming
// any quota. Leads hidden from the user are NotFound, as in ViewLead.
func (m *Market) Access(ctx context.Context, leadID uint) (*LeadAccess, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := m.db.WithContext(ctx)
	l, err := lead.GetVisible(db, leadID)
	if err != nil {
		return nil, err
	}
	a := &LeadAccess{LeadID: l.ID, RemainingSlots: l.RemainingSlots()}
	if l.OwnerID == actor.ID || actor.IsAdmin() {
		a.Owner = l.OwnerID == actor.ID
		a.CanView = true
		return a, nil
	}

	if a.Purchased, err = quota.OwnsPurchase(db, actor.ID, leadID); err != nil {
		return nil, err
	}
	if a.Purchased {
		a.CanView = true
		return a, nil
	}
	now := m.now()
	if l.Status != models.LeadActive || l.Expired(now) {
		return nil, fmt.Errorf("market: lead %d is not available: %w", leadID, apperr.ErrNotFound)
	}
	if a.CanView, err = quota.CanView(db, actor.ID, leadID, now); err != nil {
		return nil, err
	}
	if a.RemainingSlots > 0 {
		if a.CanPurchase, err = quota.CanPurchase(db, actor.ID, now); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ActivateLead publishes a draft lead.
func (m *Market) ActivateLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	return m.transition(ctx, leadID, lead.ActionActivate)
}

// PauseLead hides an active lead from buyers.
func (m *Market) PauseLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	return m.transition(ctx, leadID, lead.ActionPause)
}

// ReactivateLead returns a paused lead to the market.
func (m *Market) ReactivateLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	return m.transition(ctx, leadID, lead.ActionReactivate)
}

// CompleteLead closes a lead for good.
func (m *Market) CompleteLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	return m.transition(ctx, leadID, lead.ActionComplete)
}

// DeleteLead removes a lead from every listing. Purchases and conversations
// on it remain.
func (m *Market) DeleteLead(ctx context.Context, leadID uint) (*models.Lead, error) {
	return m.transition(ctx, leadID, lead.ActionDelete)
}

func (m *Market) transition(ctx context.Context, leadID uint, action lead.Action) (*models.Lead, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var l *models.Lead
	err = m.withRetry(ctx, string(action)+" lead", func(db *gorm.DB) error {
		var err error
		l, err = lead.Transition(db, leadID, actor, action)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("lead transition", "lead", leadID, "action", action, "actor", actor.ID, "status", l.Status)
	return l, nil
}

// GetLeadAnalytics returns activity for a lead the acting user owns.
func (m *Market) GetLeadAnalytics(ctx context.Context, leadID uint) (*lead.Analytics, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var a *lead.Analytics
	err = m.withRetry(ctx, "lead analytics", func(db *gorm.DB) error {
		var err error
		a, err = lead.GetAnalytics(db, leadID, actor)
		return err
	})
	return a, err
}

// ExpireLeads cancels leads past their expiry.
func (m *Market) ExpireLeads(ctx context.Context) (int64, error) {
	n, err := lead.ExpireDue(m.db.WithContext(ctx), m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("leads expired", "count", n)
	}
	return n, nil
}
