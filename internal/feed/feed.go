// Package feed is the real-time change feed. Events are wake-up hints
// addressed to a topic; subscribers re-read the store to learn what changed,
// so a dropped or duplicated event never loses or reorders data.
package feed

import (
	"context"
	"fmt"
	"time"
)

// Event kinds.
const (
	KindMessageCreated   = "message.created"
	KindConversationRead = "conversation.read"
)

// Event announces a change on one conversation.
type Event struct {
	Kind           string    `json:"kind"`
	ConversationID uint      `json:"conversation_id"`
	MessageID      uint      `json:"message_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	At             time.Time `json:"at"`
}

// Topic returns the topic name for a conversation.
func Topic(conversationID uint) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// Subscription is a live stream of events for one topic. Close releases it;
// it is also released when the context passed to Subscribe ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Feed publishes and subscribes to topic events.
type Feed interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
