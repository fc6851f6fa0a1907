package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/conversation"
	"github.com/zulandar/leadyard/internal/feed"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 5 * time.Second
	followBatch         = MaxHistoryLimit
)

// FollowOpts configures a live message stream.
type FollowOpts struct {
	After        Cursor        // last message the reader has seen
	PollInterval time.Duration // resync period when no event arrives
}

// Stream is an ordered, de-duplicated live view of one conversation.
// C closes when the context ends or the stream fails; Err reports
// why it failed.
type Stream struct {
	C <-chan models.Message

	mu  sync.Mutex
	err error
}

// Err returns the error that ended the stream, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Follow streams messages of the conversation after opts.After. It first
// drains everything since the cursor, then re-reads the store whenever the
// feed signals a change or the poll interval elapses. Each message is
// emitted once, in (created_at, id) order, regardless of duplicate, late or
// missing feed events. The feed subscription is released when ctx ends.
// f may be nil, in which case Follow only polls.
func Follow(ctx context.Context, db *gorm.DB, f feed.Feed, conversationID uint, readerID string, opts FollowOpts) (*Stream, error) {
	if _, err := conversation.GetForParticipant(db, conversationID, readerID); err != nil {
		return nil, err
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	var events <-chan feed.Event
	var sub feed.Subscription
	if f != nil {
		s, err := f.Subscribe(ctx, feed.Topic(conversationID))
		if err != nil {
			return nil, err
		}
		sub = s
		events = s.Events()
	}

	out := make(chan models.Message)
	stream := &Stream{C: out}
	go func() {
		defer close(out)
		if sub != nil {
			defer sub.Close()
		}

		cursor := opts.After
		drain := func() bool {
			for {
				msgs, err := since(db.WithContext(ctx), conversationID, cursor, followBatch)
				if err != nil {
					if ctx.Err() != nil {
						return false
					}
					if apperr.IsTransient(err) {
						return true
					}
					stream.fail(err)
					return false
				}
				for _, m := range msgs {
					select {
					case out <- m:
						cursor = CursorOf(m)
					case <-ctx.Done():
						return false
					}
				}
				if len(msgs) < followBatch {
					return true
				}
			}
		}

		if !drain() {
			return
		}
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					// Feed went away; keep serving from polls.
					events = nil
					continue
				}
			case <-ticker.C:
			}
			if !drain() {
				return
			}
		}
	}()
	return stream, nil
}
