package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Dispatcher.Enqueue when the buffer is full.
var ErrQueueFull = errors.New("notify: queue full")

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Sinks   []Sink
	Workers int
	Buffer  int
	Policy  Policy
	Logger  *slog.Logger
}

// Dispatcher is an in-process Enqueuer with a worker pool. Tasks still
// buffered when Run returns are lost; use the AMQP queue when they must
// survive a restart.
type Dispatcher struct {
	sinks   []Sink
	workers int
	policy  Policy
	logger  *slog.Logger
	queue   chan Task
}

// NewDispatcher creates a Dispatcher. Call Run to start delivering.
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   opts.Sinks,
		workers: opts.Workers,
		policy:  opts.Policy.withDefaults(),
		logger:  opts.Logger,
		queue:   make(chan Task, opts.Buffer),
	}
}

// Enqueue buffers t without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	select {
	case d.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run delivers queued tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.queue:
					d.Process(ctx, t)
				}
			}
		}()
	}
	wg.Wait()
}

// Process delivers t, retrying failed sinks in-process under the policy.
func (d *Dispatcher) Process(ctx context.Context, t Task) error {
	for {
		failed := DeliverAll(ctx, d.sinks, t)
		err := joinFailures(failed)
		if err == nil {
			d.logger.Debug("notification delivered", "task", t.ID, "kind", t.Kind, "recipient", t.RecipientID, "attempt", t.Attempt)
			return nil
		}
		if !d.policy.Retryable(t, err) {
			d.logger.Error("notification dropped", "task", t.ID, "kind", t.Kind, "recipient", t.RecipientID, "attempt", t.Attempt, "error", err)
			return err
		}

		t = retryTask(t, failed)
		wait := d.policy.Delay(t.Attempt)
		d.logger.Warn("notification retry", "task", t.ID, "attempt", t.Attempt, "sinks", t.Pending, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
