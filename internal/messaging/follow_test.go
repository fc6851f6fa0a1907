package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/feed"
	"github.com/zulandar/leadyard/internal/models"
)

func next(t *testing.T, s *Stream) models.Message {
	t.Helper()
	select {
	case m, ok := <-s.C:
		if !ok {
			t.Fatalf("stream closed early: %v", s.Err())
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return models.Message{}
}

func TestFollow_ResyncThenLive(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	broker := feed.NewBroker()
	defer broker.Close()

	seen := send(t, gormDB, c.ID, "buyer", "seen before disconnect")
	missed := send(t, gormDB, c.ID, "owner", "sent while offline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := Follow(ctx, gormDB, broker, c.ID, "buyer", FollowOpts{After: CursorOf(*seen), PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}

	if got := next(t, stream); got.ID != missed.ID {
		t.Fatalf("resync message = %d, want %d", got.ID, missed.ID)
	}

	live := send(t, gormDB, c.ID, "owner", "live")
	broker.Publish(ctx, feed.Topic(c.ID), feed.Event{Kind: feed.KindMessageCreated, ConversationID: c.ID, MessageID: live.ID})
	// A duplicate event must not produce a duplicate message.
	broker.Publish(ctx, feed.Topic(c.ID), feed.Event{Kind: feed.KindMessageCreated, ConversationID: c.ID, MessageID: live.ID})

	if got := next(t, stream); got.ID != live.ID {
		t.Fatalf("live message = %d, want %d", got.ID, live.ID)
	}

	later := send(t, gormDB, c.ID, "owner", "later")
	broker.Publish(ctx, feed.Topic(c.ID), feed.Event{Kind: feed.KindMessageCreated, ConversationID: c.ID, MessageID: later.ID})
	if got := next(t, stream); got.ID != later.ID {
		t.Fatalf("next message = %d, want %d (duplicate event leaked)", got.ID, later.ID)
	}
}

func TestFollow_EventForLaterMessageKeepsOrder(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	broker := feed.NewBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := Follow(ctx, gormDB, broker, c.ID, "owner", FollowOpts{PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}

	a := send(t, gormDB, c.ID, "buyer", "a")
	b := send(t, gormDB, c.ID, "buyer", "b")
	// Only the event for b arrives; a must still come first.
	broker.Publish(ctx, feed.Topic(c.ID), feed.Event{Kind: feed.KindMessageCreated, ConversationID: c.ID, MessageID: b.ID})

	if got := next(t, stream); got.ID != a.ID {
		t.Fatalf("first = %d, want %d", got.ID, a.ID)
	}
	if got := next(t, stream); got.ID != b.ID {
		t.Fatalf("second = %d, want %d", got.ID, b.ID)
	}
}

func TestFollow_PollsWithoutFeed(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := Follow(ctx, gormDB, nil, c.ID, "owner", FollowOpts{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}

	m := send(t, gormDB, c.ID, "buyer", "polled")
	if got := next(t, stream); got.ID != m.ID {
		t.Fatalf("got %d, want %d", got.ID, m.ID)
	}
}

func TestFollow_CancelReleasesSubscription(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	broker := feed.NewBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := Follow(ctx, gormDB, broker, c.ID, "owner", FollowOpts{PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if n := broker.Subscribers(feed.Topic(c.ID)); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}

	cancel()
	select {
	case _, ok := <-stream.C:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after cancel")
	}

	deadline := time.Now().Add(time.Second)
	for broker.Subscribers(feed.Topic(c.ID)) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := broker.Subscribers(feed.Topic(c.ID)); n != 0 {
		t.Errorf("Subscribers after cancel = %d, want 0", n)
	}
	if stream.Err() != nil {
		t.Errorf("Err = %v, want nil after cancel", stream.Err())
	}
}

func TestFollow_NonParticipant(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	_, err := Follow(context.Background(), gormDB, nil, c.ID, "stranger", FollowOpts{})
	if !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("err = %v, want ErrPermission", err)
	}
}
