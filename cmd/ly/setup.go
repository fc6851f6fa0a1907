package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/leadyard/internal/config"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/feed"
	"github.com/zulandar/leadyard/internal/identity"
	"github.com/zulandar/leadyard/internal/market"
	"github.com/zulandar/leadyard/internal/notify"
	"github.com/zulandar/leadyard/internal/notify/discord"
	"github.com/zulandar/leadyard/internal/notify/slack"
	"gorm.io/gorm"
)

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database %s: %w", cfg.Database.Driver, cfg.Database.Name, err)
	}

	return cfg, gormDB, nil
}

// newLogger builds the process logger from the log section.
func newLogger(c config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newFeed returns the Redis feed when configured, otherwise an in-process
// broker that only reaches streams in this process.
func newFeed(ctx context.Context, c config.FeedConfig) (feed.Feed, error) {
	if c.RedisAddr == "" {
		return feed.NewBroker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", c.RedisAddr, err)
	}
	return feed.NewRedisFeed(client, c.Prefix), nil
}

// newSinks returns every configured notification sink. The log sink is
// always present.
func newSinks(cfg *config.Config, gormDB *gorm.DB, logger *slog.Logger) ([]notify.Sink, error) {
	sinks := []notify.Sink{notify.LogSink{Logger: logger}}

	if smtp := cfg.Notify.SMTP; smtp.Host != "" {
		email, err := notify.NewEmailSink(notify.EmailOpts{
			Host:     smtp.Host,
			Port:     smtp.Port,
			User:     smtp.User,
			Password: smtp.Password,
			From:     smtp.From,
			Contacts: notify.DBContacts{DB: gormDB},
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, email)
	}
	if s := cfg.Notify.Slack; s.BotToken != "" {
		sink, err := slack.New(slack.Opts{BotToken: s.BotToken, ChannelID: s.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if d := cfg.Notify.Discord; d.BotToken != "" {
		sink, err := discord.New(discord.Opts{BotToken: d.BotToken, ChannelID: d.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func notifyPolicy(c config.NotifyConfig) notify.Policy {
	p := notify.DefaultPolicy
	p.MaxAttempts = c.MaxAttempts
	p.Backoff = c.Backoff
	return p
}

// newMarket builds a market without a feed or notifier, for one-shot CLI
// commands. Live streams and notifications belong to `ly serve`.
func newMarket(cfg *config.Config, gormDB *gorm.DB, logger *slog.Logger) *market.Market {
	return market.New(market.Opts{
		DB:     gormDB,
		Logger: logger,
		Config: cfg.Market,
		Plans:  cfg.Plans,
	})
}

// actingAs returns ctx carrying the given user for CLI commands.
func actingAs(ctx context.Context, userID string, admin bool) context.Context {
	a := identity.Actor{ID: userID}
	if admin {
		a.Role = identity.RoleAdmin
	}
	return identity.WithActor(ctx, a)
}
