package market

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/conversation"
	"github.com/zulandar/leadyard/internal/feed"
	"github.com/zulandar/leadyard/internal/lead"
	"github.com/zulandar/leadyard/internal/messaging"
	"github.com/zulandar/leadyard/internal/models"
	"github.com/zulandar/leadyard/internal/notify"
	"github.com/zulandar/leadyard/internal/purchase"
	"github.com/zulandar/leadyard/internal/quota"
	"gorm.io/gorm"
)

// previewLength caps the message excerpt carried in a notification.
const previewLength = 140

// PurchaseLead buys leadID for the acting user. The idempotency key makes
// the call safe to repeat, so transient failures are retried with it.
func (m *Market) PurchaseLead(ctx context.Context, leadID uint, idempotencyKey string) (*purchase.Result, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var res *purchase.Result
	err = m.withRetry(ctx, "purchase", func(db *gorm.DB) error {
		var err error
		res, err = purchase.Purchase(db, purchase.Opts{
			LeadID:         leadID,
			BuyerID:        actor.ID,
			IdempotencyKey: idempotencyKey,
			Now:            m.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		m.logger.Debug("purchase replayed", "lead", leadID, "buyer", actor.ID, "purchase", res.Purchase.ID)
		return res, nil
	}
	m.logger.Info("lead purchased", "lead", leadID, "buyer", actor.ID, "purchase", res.Purchase.ID, "conversation", res.Conversation.ID)

	t := notify.NewTask(notify.KindPurchaseCompleted, res.Conversation.OwnerID,
		"Your lead was purchased",
		m.purchaseBody(ctx, leadID))
	t.ActorID = actor.ID
	t.LeadID = leadID
	t.PurchaseID = res.Purchase.ID
	t.ConversationID = res.Conversation.ID
	m.enqueue(ctx, t)
	return res, nil
}

func (m *Market) purchaseBody(ctx context.Context, leadID uint) string {
	l, err := lead.Get(m.db.WithContext(ctx), leadID)
	if err != nil {
		return fmt.Sprintf("Lead %d has a new buyer.", leadID)
	}
	return fmt.Sprintf("%q has a new buyer. %d of %d slots taken.", l.Title, l.PurchasedCount, l.MaxPurchases)
}

// ListPurchases returns the acting user's purchases, newest first.
func (m *Market) ListPurchases(ctx context.Context) ([]models.Purchase, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	return purchase.ListForBuyer(m.db.WithContext(ctx), actor.ID)
}

// MarkContacted records that the buyer reached out to the homeowner.
func (m *Market) MarkContacted(ctx context.Context, purchaseID uint) (*models.Purchase, error) {
	return m.mark(ctx, purchaseID, purchase.MarkContacted)
}

// MarkQuoted records that the buyer submitted a quote.
func (m *Market) MarkQuoted(ctx context.Context, purchaseID uint) (*models.Purchase, error) {
	return m.mark(ctx, purchaseID, purchase.MarkQuoted)
}

type markFunc func(*gorm.DB, uint, string, time.Time) (*models.Purchase, error)

func (m *Market) mark(ctx context.Context, purchaseID uint, fn markFunc) (*models.Purchase, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var p *models.Purchase
	err = m.withRetry(ctx, "mark purchase", func(db *gorm.DB) error {
		var err error
		p, err = fn(db, purchaseID, actor.ID, m.now())
		return err
	})
	return p, err
}

// SendMessage appends a message to a conversation the acting user is part
// of. Sends are not idempotent and are never retried here.
func (m *Market) SendMessage(ctx context.Context, conversationID uint, content string) (*models.Message, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := messaging.Send(m.db.WithContext(ctx), conversationID, actor.ID, content)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("message sent", "conversation", conversationID, "message", msg.ID, "sender", actor.ID)

	m.publish(ctx, feed.Event{
		Kind:           feed.KindMessageCreated,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		ActorID:        actor.ID,
		At:             msg.CreatedAt,
	})

	t := notify.NewTask(notify.KindMessageReceived, msg.RecipientID, "New message", preview(msg.Content))
	t.ActorID = actor.ID
	t.ConversationID = conversationID
	t.MessageID = msg.ID
	m.enqueue(ctx, t)
	return msg, nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	r := []rune(s)
	return string(r[:previewLength-3]) + "..."
}

// History pages through a conversation's messages, oldest first.
func (m *Market) History(ctx context.Context, conversationID uint, opts messaging.HistoryOpts) ([]models.Message, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	err = m.withRetry(ctx, "history", func(db *gorm.DB) error {
		var err error
		out, err = messaging.History(db, conversationID, actor.ID, opts)
		return err
	})
	return out, err
}

// Follow streams a conversation's messages after afterID as they arrive.
// afterID zero starts from the beginning.
func (m *Market) Follow(ctx context.Context, conversationID, afterID uint, poll time.Duration) (*messaging.Stream, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := m.db.WithContext(ctx)
	var after messaging.Cursor
	if afterID != 0 {
		if _, err := conversation.GetForParticipant(db, conversationID, actor.ID); err != nil {
			return nil, err
		}
		if after, err = messaging.CursorFor(db, conversationID, afterID); err != nil {
			return nil, err
		}
	}
	return messaging.Follow(ctx, db, m.feed, conversationID, actor.ID, messaging.FollowOpts{
		After:        after,
		PollInterval: poll,
	})
}

// MarkConversationRead clears the acting user's unread messages in a
// conversation and returns how many changed.
func (m *Market) MarkConversationRead(ctx context.Context, conversationID uint) (int64, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = m.withRetry(ctx, "mark read", func(db *gorm.DB) error {
		var err error
		n, err = messaging.MarkRead(db, conversationID, actor.ID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.publish(ctx, feed.Event{
			Kind:           feed.KindConversationRead,
			ConversationID: conversationID,
			ActorID:        actor.ID,
			At:             m.now(),
		})
	}
	return n, nil
}

// ListConversationsForUser returns userID's conversations, most recently
// active first. Only the user or an admin may list them.
func (m *Market) ListConversationsForUser(ctx context.Context, userID string) ([]conversation.Summary, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = actor.ID
	}
	if userID != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("market: list conversations of %s: %w", userID, apperr.ErrPermission)
	}
	var out []conversation.Summary
	err = m.withRetry(ctx, "list conversations", func(db *gorm.DB) error {
		var err error
		out, err = conversation.ListForUser(db, userID)
		return err
	})
	return out, err
}

// Subscribe puts buyerID on the named plan. Only the buyer or an admin may
// change a subscription.
func (m *Market) Subscribe(ctx context.Context, buyerID, planName string) (*models.Subscription, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if buyerID == "" {
		buyerID = actor.ID
	}
	if buyerID != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("market: subscribe %s: %w", buyerID, apperr.ErrPermission)
	}
	plan, ok := m.plans[planName]
	if !ok {
		return nil, fmt.Errorf("market: unknown plan %q: %w", planName, apperr.ErrInvalidInput)
	}
	sub, err := quota.Subscribe(m.db.WithContext(ctx), buyerID, plan, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Info("subscription set", "buyer", buyerID, "plan", plan.Name, "period_end", sub.CurrentPeriodEnd)
	return sub, nil
}

// Usage reports the acting user's quota for the current period.
func (m *Market) Usage(ctx context.Context) (*quota.Usage, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	var u *quota.Usage
	err = m.withRetry(ctx, "usage", func(db *gorm.DB) error {
		var err error
		u, err = quota.GetUsage(db, actor.ID, m.now())
		return err
	})
	return u, err
}

// RolloverSubscriptions advances every subscription whose period has ended.
func (m *Market) RolloverSubscriptions(ctx context.Context) (int, error) {
	n, err := quota.RolloverDue(m.db.WithContext(ctx), m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("subscriptions rolled over", "count", n)
	}
	return n, nil
}
