package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "leadyard:feed"

// RedisFeed fans events out across service instances over Redis pub/sub.
type RedisFeed struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFeed wraps client. Channels are named prefix:topic.
func NewRedisFeed(client redis.UniversalClient, prefix string) *RedisFeed {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) channel(topic string) string {
	return f.prefix + ":" + topic
}

// Publish sends ev to the topic's channel.
func (f *RedisFeed) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("feed: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the topic's channel and waits
// for Redis to confirm it, so events published after Subscribe returns are
// not missed.
func (f *RedisFeed) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("feed: subscribe %s: %w", topic, err)
	}

	s := &redisSub{ps: ps, ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	go s.run(ctx)
	return s, nil
}

// Close closes the underlying client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) run(ctx context.Context) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := decodeEvent(m.Payload)
			if err != nil {
				continue
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

func decodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("feed: decode event: %w", err)
	}
	if ev.Kind == "" || ev.ConversationID == 0 {
		return Event{}, fmt.Errorf("feed: event missing kind or conversation")
	}
	return ev, nil
}
