package feed

import (
	"context"
	"errors"
	"sync"
)

const subscriberBuffer = 32

// ErrClosed is returned by a closed Broker.
var ErrClosed = errors.New("feed: closed")

// Broker is an in-process Feed for single-instance deployments and tests.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and catches up on its next resync.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*brokerSub]struct{}
	closed bool
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*brokerSub]struct{})}
}

// Publish delivers ev to every current subscriber of topic.
func (b *Broker) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[topic] {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber on topic until Close or ctx ends.
func (b *Broker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &brokerSub{broker: b, topic: topic, ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*brokerSub]struct{})
	}
	b.subs[topic][s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Subscribers returns the number of live subscribers on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*brokerSub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}

func (b *Broker) remove(s *brokerSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

type brokerSub struct {
	broker *Broker
	topic  string
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *brokerSub) Events() <-chan Event { return s.ch }

// Close unregisters the subscriber and closes its channel. Safe to call
// more than once.
func (s *brokerSub) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		// Publish holds the broker lock while sending, so after remove the
		// channel has no writers.
		close(s.done)
		close(s.ch)
	})
	return nil
}
