package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/market"
	"github.com/zulandar/leadyard/internal/messaging"
	"github.com/zulandar/leadyard/internal/models"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Conversation messaging commands",
	}

	cmd.AddCommand(newMessageSendCmd())
	cmd.AddCommand(newMessageThreadCmd())
	cmd.AddCommand(newMessageReadCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		configPath     string
		actor          actorFlags
		conversationID uint
		content        string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message in a conversation",
		Long:  "Appends a message from --from to a conversation --from takes part in.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			msg, err := m.SendMessage(actor.context(), conversationID, content)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent message %d to %s\n", msg.ID, msg.RecipientID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "from", "sending user ID")
	cmd.Flags().UintVar(&conversationID, "conversation", 0, "conversation ID (required)")
	cmd.Flags().StringVar(&content, "content", "", "message text (required)")
	cmd.MarkFlagRequired("conversation")
	cmd.MarkFlagRequired("content")
	return cmd
}

func newMessageThreadCmd() *cobra.Command {
	var (
		configPath     string
		actor          actorFlags
		conversationID uint
		afterID        uint
		beforeID       uint
		limit          int
		follow         bool
	)

	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Show a conversation's messages",
		Long:  "Prints messages oldest first. With --follow new messages are printed as they arrive until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return followThread(cmd, configPath, actor, conversationID, afterID)
			}
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			msgs, err := m.History(actor.context(), conversationID, messaging.HistoryOpts{
				AfterID:  afterID,
				BeforeID: beforeID,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages in conversation %d\n", conversationID)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tSENT\tREAD\tCONTENT")
			for _, msg := range msgs {
				printMessageRow(w, msg)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "as", "reading user ID")
	cmd.Flags().UintVar(&conversationID, "conversation", 0, "conversation ID (required)")
	cmd.Flags().UintVar(&afterID, "after", 0, "only messages after this message ID")
	cmd.Flags().UintVar(&beforeID, "before", 0, "only messages before this message ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new messages")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

func printMessageRow(w io.Writer, msg models.Message) {
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
		msg.ID, msg.SenderID, formatTime(&msg.CreatedAt), formatTime(msg.ReadAt), truncate(msg.Content, 60))
}

// followThread streams a conversation using the configured change feed, so
// messages sent through any API instance appear without waiting for a poll.
func followThread(cmd *cobra.Command, configPath string, actor actorFlags, conversationID, afterID uint) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	changes, err := newFeed(ctx, cfg.Feed)
	if err != nil {
		return err
	}
	defer changes.Close()

	m := market.New(market.Opts{
		DB:     gormDB,
		Feed:   changes,
		Logger: logger,
		Config: cfg.Market,
		Plans:  cfg.Plans,
	})
	stream, err := m.Follow(actor.within(ctx), conversationID, afterID, cfg.Feed.PollInterval)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for msg := range stream.C {
		fmt.Fprintf(out, "[%s] %s: %s\n", formatTime(&msg.CreatedAt), msg.SenderID, msg.Content)
	}
	return stream.Err()
}

func newMessageReadCmd() *cobra.Command {
	var (
		configPath     string
		actor          actorFlags
		conversationID uint
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Mark a conversation's messages as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			n, err := m.MarkConversationRead(actor.context(), conversationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d messages read\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "as", "reading user ID")
	cmd.Flags().UintVar(&conversationID, "conversation", 0, "conversation ID (required)")
	cmd.MarkFlagRequired("conversation")
	return cmd
}
