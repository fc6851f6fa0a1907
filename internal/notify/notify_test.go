package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSink fails its first failures deliveries with err, then succeeds.
type fakeSink struct {
	name     string
	failures int
	err      error

	mu        sync.Mutex
	calls     int
	delivered []Task
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	s.delivered = append(s.delivered, t)
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestNewTask(t *testing.T) {
	a := NewTask(KindMessageReceived, "u1", "New message", "hello")
	b := NewTask(KindMessageReceived, "u1", "New message", "hello")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NoError(t, a.Validate())
	assert.Error(t, Task{ID: "x", Kind: KindMessageReceived}.Validate())
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))
	assert.Equal(t, DefaultPolicy.Backoff, Policy{}.Delay(1))
}

func TestPolicyRetryable(t *testing.T) {
	p := fastPolicy(3)
	transient := errors.New("smtp timeout")
	assert.True(t, p.Retryable(Task{Attempt: 0}, transient))
	assert.True(t, p.Retryable(Task{Attempt: 1}, transient))
	assert.False(t, p.Retryable(Task{Attempt: 2}, transient))
	assert.False(t, p.Retryable(Task{}, Permanent(transient)))
	assert.False(t, p.Retryable(Task{}, nil))
}

func TestJoinFailures(t *testing.T) {
	assert.NoError(t, joinFailures(nil))

	mixed := joinFailures(map[string]error{"a": Permanent(errors.New("x")), "b": errors.New("y")})
	assert.Error(t, mixed)
	assert.False(t, errors.Is(mixed, ErrPermanent))

	allPermanent := joinFailures(map[string]error{"a": Permanent(errors.New("x"))})
	assert.True(t, errors.Is(allPermanent, ErrPermanent))
}

func TestDispatcherProcess_RetriesOnlyFailedSinks(t *testing.T) {
	good := &fakeSink{name: "good"}
	flaky := &fakeSink{name: "flaky", failures: 2, err: errors.New("503")}
	d := NewDispatcher(DispatcherOpts{Sinks: []Sink{good, flaky}, Policy: fastPolicy(5), Logger: quietLogger})

	err := d.Process(context.Background(), NewTask(KindPurchaseCompleted, "owner", "Lead purchased", "b1 bought your lead"))
	require.NoError(t, err)
	assert.Equal(t, 1, good.callCount(), "successful sink must not be re-delivered")
	assert.Equal(t, 3, flaky.callCount())
	require.Len(t, flaky.delivered, 1)
	assert.Equal(t, 2, flaky.delivered[0].Attempt)
	assert.Equal(t, []string{"flaky"}, flaky.delivered[0].Pending)
}

func TestDispatcherProcess_GivesUp(t *testing.T) {
	broken := &fakeSink{name: "broken", failures: 100, err: errors.New("down")}
	d := NewDispatcher(DispatcherOpts{Sinks: []Sink{broken}, Policy: fastPolicy(3), Logger: quietLogger})

	err := d.Process(context.Background(), NewTask(KindMessageReceived, "u", "t", "b"))
	assert.Error(t, err)
	assert.Equal(t, 3, broken.callCount())
}

func TestDispatcherProcess_PermanentNotRetried(t *testing.T) {
	sink := &fakeSink{name: "email", failures: 100, err: Permanent(errors.New("no address"))}
	d := NewDispatcher(DispatcherOpts{Sinks: []Sink{sink}, Policy: fastPolicy(5), Logger: quietLogger})

	err := d.Process(context.Background(), NewTask(KindMessageReceived, "u", "t", "b"))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, sink.callCount())
}

func TestDispatcherProcess_MixedFailuresRetryTransientSink(t *testing.T) {
	email := &fakeSink{name: "email", failures: 100, err: Permanent(errors.New("no address"))}
	slack := &fakeSink{name: "slack", failures: 1, err: errors.New("503")}
	d := NewDispatcher(DispatcherOpts{Sinks: []Sink{email, slack}, Policy: fastPolicy(5), Logger: quietLogger})

	err := d.Process(context.Background(), NewTask(KindMessageReceived, "u", "t", "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, email.callCount(), "permanently failed sink must not be retried")
	assert.Equal(t, 2, slack.callCount())
	require.Len(t, slack.delivered, 1)
	assert.Equal(t, []string{"slack"}, slack.delivered[0].Pending)
}

func TestRetryTaskSkipsPermanentSinks(t *testing.T) {
	next := retryTask(Task{ID: "a"}, map[string]error{
		"email":   Permanent(errors.New("no address")),
		"slack":   errors.New("503"),
		"discord": errors.New("timeout"),
	})
	assert.Equal(t, 1, next.Attempt)
	assert.Equal(t, []string{"discord", "slack"}, next.Pending)
}

func TestDispatcherRun(t *testing.T) {
	sink := &fakeSink{name: "log"}
	d := NewDispatcher(DispatcherOpts{Sinks: []Sink{sink}, Workers: 3, Policy: fastPolicy(2), Logger: quietLogger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Enqueue(ctx, NewTask(KindMessageReceived, "u", "t", "b")))
	}
	assert.Eventually(t, func() bool { return sink.callCount() == 10 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDispatcherEnqueue_Full(t *testing.T) {
	d := NewDispatcher(DispatcherOpts{Buffer: 1, Logger: quietLogger})
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, NewTask(KindMessageReceived, "u", "t", "b")))
	assert.ErrorIs(t, d.Enqueue(ctx, NewTask(KindMessageReceived, "u", "t", "b")), ErrQueueFull)
	assert.Error(t, d.Enqueue(ctx, Task{}), "invalid task must be rejected")
}

func TestLogSink(t *testing.T) {
	s := LogSink{Logger: quietLogger}
	assert.Equal(t, "log", s.Name())
	assert.NoError(t, s.Deliver(context.Background(), NewTask(KindMessageReceived, "u", "t", "b")))
}
