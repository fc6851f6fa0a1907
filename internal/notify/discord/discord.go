// Package discord delivers marketplace notifications to a Discord channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/leadyard/internal/notify"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries  = 3
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Opts holds parameters for creating a Discord Sink.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of a real bot session.
	Session session
}

// Sink posts each notification as an embed in one channel. It uses the REST
// API only; no gateway connection is opened.
type Sink struct {
	sess        session
	channelID   string
	baseBackoff time.Duration
}

// New creates a Discord Sink.
func New(opts Opts) (*Sink, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Sink{sess: sess, channelID: opts.ChannelID, baseBackoff: baseBackoff}, nil
}

func (s *Sink) Name() string { return "discord" }

// Deliver posts t, backing off on HTTP 429.
func (s *Sink) Deliver(ctx context.Context, t notify.Task) error {
	data := buildMessageSend(t)
	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSendComplex(s.channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func buildMessageSend(t notify.Task) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       t.Title,
		Description: t.Body,
		Color:       0x439fe0,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Recipient", Value: t.RecipientID, Inline: true},
		},
	}
	if t.Kind == notify.KindPurchaseCompleted {
		embed.Color = 0x36a64f
	}
	if t.LeadID != 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Lead", Value: fmt.Sprintf("#%d", t.LeadID), Inline: true})
	}
	if t.ConversationID != 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Conversation", Value: fmt.Sprintf("#%d", t.ConversationID), Inline: true})
	}
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
}

func (s *Sink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	wait := s.baseBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
	return nil
}
