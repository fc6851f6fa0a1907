// Package slack delivers marketplace notifications to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/leadyard/internal/notify"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Opts holds parameters for creating a Slack Sink.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Sink posts each notification as an attachment in one channel.
type Sink struct {
	client    slackClient
	channelID string
}

// New creates a Slack Sink.
func New(opts Opts) (*Sink, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Sink{client: client, channelID: opts.ChannelID}, nil
}

func (s *Sink) Name() string { return "slack" }

// Deliver posts t, retrying Slack rate limits.
func (s *Sink) Deliver(ctx context.Context, t notify.Task) error {
	options := buildMessageOptions(t)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(s.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func buildMessageOptions(t notify.Task) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    t.Title,
		Text:     t.Body,
		Color:    colorFor(t.Kind),
		Fallback: t.Title,
		Fields: []slackapi.AttachmentField{
			{Title: "Recipient", Value: t.RecipientID, Short: true},
		},
	}
	if t.LeadID != 0 {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Lead", Value: "#" + strconv.FormatUint(uint64(t.LeadID), 10), Short: true})
	}
	if t.ConversationID != 0 {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Conversation", Value: "#" + strconv.FormatUint(uint64(t.ConversationID), 10), Short: true})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(t.Title, false),
		slackapi.MsgOptionAttachments(att),
	}
}

func colorFor(k notify.Kind) string {
	if k == notify.KindPurchaseCompleted {
		return "#36a64f"
	}
	return "#439fe0"
}

// retryOnRateLimit calls fn, waiting out Slack's Retry-After on rate limits.
// Other errors are returned immediately.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
