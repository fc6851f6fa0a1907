// Package market is the entry point surrounding code calls: it resolves the
// acting user from the context, retries transient store failures a bounded
// number of times, and emits feed events and notifications after commit.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/config"
	"github.com/zulandar/leadyard/internal/feed"
	"github.com/zulandar/leadyard/internal/identity"
	"github.com/zulandar/leadyard/internal/notify"
	"gorm.io/gorm"
)

// sideEffectTimeout bounds each post-commit publish or enqueue.
const sideEffectTimeout = 2 * time.Second

// Opts configures a Market. Feed and Notifier may be nil.
type Opts struct {
	DB       *gorm.DB
	Feed     feed.Feed
	Notifier notify.Enqueuer
	Logger   *slog.Logger
	Config   config.MarketConfig
	Plans    []config.PlanConfig
	Now      func() time.Time
}

// Market wires the core packages together.
type Market struct {
	db       *gorm.DB
	feed     feed.Feed
	notifier notify.Enqueuer
	logger   *slog.Logger
	cfg      config.MarketConfig
	plans    map[string]config.PlanConfig
	now      func() time.Time
}

// New creates a Market.
func New(opts Opts) *Market {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Config.DefaultMaxPurchases <= 0 {
		opts.Config.DefaultMaxPurchases = 5
	}
	plans := make(map[string]config.PlanConfig, len(opts.Plans))
	for _, p := range opts.Plans {
		plans[p.Name] = p
	}
	return &Market{
		db:       opts.DB,
		feed:     opts.Feed,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		cfg:      opts.Config,
		plans:    plans,
		now:      opts.Now,
	}
}

// Feed returns the change feed the market publishes to, or nil.
func (m *Market) Feed() feed.Feed { return m.feed }

func actorFrom(ctx context.Context) (identity.Actor, error) {
	a, ok := identity.FromContext(ctx)
	if !ok {
		return identity.Actor{}, fmt.Errorf("market: no authenticated actor: %w", apperr.ErrPermission)
	}
	return a, nil
}

// withRetry runs fn and retries it while it fails with a transient store
// error. Only idempotent operations may use it.
func (m *Market) withRetry(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	db := m.db.WithContext(ctx)
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(db)
		if err == nil || !apperr.Retryable(err) || attempt >= m.cfg.PurchaseRetries {
			return err
		}
		wait := m.cfg.RetryBackoff * time.Duration(attempt+1)
		m.logger.Warn("transient store error, retrying", "op", op, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("market: %s: %w", op, apperr.Classify(ctx.Err()))
		case <-time.After(wait):
		}
	}
}

// detached returns a context for post-commit side effects: it survives the
// caller's cancellation but is bounded on its own.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}

func (m *Market) publish(ctx context.Context, ev feed.Event) {
	if m.feed == nil {
		return
	}
	pctx, cancel := detached(ctx)
	defer cancel()
	if err := m.feed.Publish(pctx, feed.Topic(ev.ConversationID), ev); err != nil {
		m.logger.Warn("feed publish failed", "kind", ev.Kind, "conversation", ev.ConversationID, "error", err)
	}
}

func (m *Market) enqueue(ctx context.Context, t notify.Task) {
	if m.notifier == nil {
		return
	}
	nctx, cancel := detached(ctx)
	defer cancel()
	if err := m.notifier.Enqueue(nctx, t); err != nil {
		m.logger.Warn("notification enqueue failed", "task", t.ID, "kind", t.Kind, "recipient", t.RecipientID, "error", err)
	}
}
