package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel the queue uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue is a durable notification queue on RabbitMQ. Tasks that fail
// permanently or exhaust their attempts are dead-lettered to <queue>.dlq.
type AMQPQueue struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
	mu    sync.Mutex // amqp channels are not safe for concurrent publish
}

func dlxName(queue string) string { return queue + ".dlx" }
func dlqName(queue string) string { return queue + ".dlq" }

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("notify: parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("notify: amqp url scheme must be amqp or amqps, got %q", u.Scheme)
	}
	return clean, nil
}

// DialAMQP connects to RabbitMQ and declares the queue topology.
func DialAMQP(rawURL, queue string) (*AMQPQueue, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, fmt.Errorf("notify: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open amqp channel: %w", err)
	}
	q, err := newAMQPQueue(ch, queue)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newAMQPQueue(ch amqpChannel, queue string) (*AMQPQueue, error) {
	if queue == "" {
		return nil, fmt.Errorf("notify: queue name is required")
	}
	if err := declareTopology(ch, queue); err != nil {
		return nil, err
	}
	return &AMQPQueue{ch: ch, queue: queue}, nil
}

func declareTopology(ch amqpChannel, queue string) error {
	if err := ch.ExchangeDeclare(dlxName(queue), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("notify: declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(dlqName(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("notify: declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlqName(queue), queue, dlxName(queue), false, nil); err != nil {
		return fmt.Errorf("notify: bind dead-letter queue: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlxName(queue),
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("notify: declare queue %s: %w", queue, err)
	}
	return nil
}

// Enqueue publishes t as a persistent message on the default exchange.
func (q *AMQPQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("notify: encode task %s: %w", t.ID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    t.ID,
		Type:         string(t.Kind),
		Timestamp:    t.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish task %s: %w", t.ID, err)
	}
	return nil
}

// Close closes the channel and connection.
func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// WorkerOpts configures a Worker.
type WorkerOpts struct {
	Sinks    []Sink
	Policy   Policy
	Prefetch int
	Logger   *slog.Logger
}

// Worker consumes an AMQPQueue and delivers each task to the sinks. A
// failed task is re-published with its attempt advanced after the policy
// delay; exhausted or permanent failures are rejected to the dead-letter
// queue.
type Worker struct {
	queue    *AMQPQueue
	sinks    []Sink
	policy   Policy
	prefetch int
	logger   *slog.Logger
}

// NewWorker creates a Worker for q.
func NewWorker(q *AMQPQueue, opts WorkerOpts) *Worker {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{queue: q, sinks: opts.Sinks, policy: opts.Policy.withDefaults(), prefetch: opts.Prefetch, logger: opts.Logger}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.ch.Qos(w.prefetch, 0, false); err != nil {
		return fmt.Errorf("notify: set qos: %w", err)
	}
	deliveries, err := w.queue.ch.Consume(w.queue.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("notify: consume %s: %w", w.queue.queue, err)
	}
	w.logger.Info("notification worker started", "queue", w.queue.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("notify: delivery channel closed")
			}
			w.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and settles it.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) {
	var t Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		w.logger.Error("notification undecodable", "message", d.MessageId, "error", err)
		d.Nack(false, false)
		return
	}
	if err := t.Validate(); err != nil {
		w.logger.Error("notification invalid", "message", d.MessageId, "error", err)
		d.Nack(false, false)
		return
	}

	failed := DeliverAll(ctx, w.sinks, t)
	err := joinFailures(failed)
	if err == nil {
		w.logger.Debug("notification delivered", "task", t.ID, "kind", t.Kind, "attempt", t.Attempt)
		d.Ack(false)
		return
	}
	if !w.policy.Retryable(t, err) {
		w.logger.Error("notification dead-lettered", "task", t.ID, "attempt", t.Attempt, "error", err)
		d.Nack(false, false)
		return
	}

	next := retryTask(t, failed)
	wait := w.policy.Delay(next.Attempt)
	w.logger.Warn("notification retry", "task", t.ID, "attempt", next.Attempt, "sinks", next.Pending, "wait", wait, "error", err)
	select {
	case <-ctx.Done():
		// Leave it on the queue for the next worker.
		d.Nack(false, true)
		return
	case <-time.After(wait):
	}
	if err := w.queue.Enqueue(ctx, next); err != nil {
		w.logger.Error("notification requeue failed", "task", t.ID, "error", err)
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
