// Package notify dispatches purchase and message notifications outside the
// transaction that triggered them. Tasks are queued, delivered to every
// configured sink, and retried under their own policy; failures are logged
// and never reach the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind string

const (
	KindPurchaseCompleted Kind = "purchase.completed"
	KindMessageReceived   Kind = "message.received"
)

// Task is one notification addressed to one user.
type Task struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	RecipientID    string    `json:"recipient_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	LeadID         uint      `json:"lead_id,omitempty"`
	PurchaseID     uint      `json:"purchase_id,omitempty"`
	ConversationID uint      `json:"conversation_id,omitempty"`
	MessageID      uint      `json:"message_id,omitempty"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Attempt        int       `json:"attempt"`
	Pending        []string  `json:"pending,omitempty"` // sinks still owed delivery; empty means all
	CreatedAt      time.Time `json:"created_at"`
}

// NewTask returns a task with a fresh ID.
func NewTask(kind Kind, recipientID, title, body string) Task {
	return Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		RecipientID: recipientID,
		Title:       title,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate reports whether the task can be delivered at all.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("notify: task id is required")
	}
	if t.Kind == "" {
		return fmt.Errorf("notify: task %s: kind is required", t.ID)
	}
	if t.RecipientID == "" {
		return fmt.Errorf("notify: task %s: recipient is required", t.ID)
	}
	return nil
}

// Sink delivers a task to one channel (email, chat, log).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, t Task) error
}

// Enqueuer accepts tasks for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// ErrPermanent marks a delivery failure that retrying cannot fix.
var ErrPermanent = errors.New("notify: permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so the dispatcher does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Policy controls delivery retries.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy is used for zero fields.
var DefaultPolicy = Policy{MaxAttempts: 5, Backoff: time.Second, MaxBackoff: time.Minute}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultPolicy.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultPolicy.MaxBackoff
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based), doubling
// from Backoff and capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Retryable reports whether a failed task should be attempted again.
func (p Policy) Retryable(t Task, err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	return t.Attempt+1 < p.withDefaults().MaxAttempts
}

// DeliverAll hands t to every sink it is still owed to and returns the sinks
// that failed, keyed by name. A sink failing does not stop the others.
func DeliverAll(ctx context.Context, sinks []Sink, t Task) map[string]error {
	var failed map[string]error
	for _, s := range pendingSinks(sinks, t) {
		if err := s.Deliver(ctx, t); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[s.Name()] = err
		}
	}
	return failed
}

// joinFailures folds per-sink failures into one error. The result is
// permanent only if every failure was; otherwise permanent failures are
// reported without wrapping so the task stays retryable.
func joinFailures(failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	permanent := true
	for _, err := range failed {
		if !errors.Is(err, ErrPermanent) {
			permanent = false
			break
		}
	}
	errs := make([]error, 0, len(failed))
	for name, err := range failed {
		if !permanent && errors.Is(err, ErrPermanent) {
			errs = append(errs, fmt.Errorf("%s: %v", name, err))
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	joined := errors.Join(errs...)
	if permanent {
		return Permanent(joined)
	}
	return joined
}

func pendingSinks(sinks []Sink, t Task) []Sink {
	if len(t.Pending) == 0 {
		return sinks
	}
	want := make(map[string]bool, len(t.Pending))
	for _, name := range t.Pending {
		want[name] = true
	}
	var out []Sink
	for _, s := range sinks {
		if want[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}

// retryTask returns t advanced to its next attempt, owed only to the sinks
// that failed transiently.
func retryTask(t Task, failed map[string]error) Task {
	t.Attempt++
	t.Pending = make([]string, 0, len(failed))
	for name, err := range failed {
		if errors.Is(err, ErrPermanent) {
			continue
		}
		t.Pending = append(t.Pending, name)
	}
	sort.Strings(t.Pending)
	return t
}
