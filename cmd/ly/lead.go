package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/lead"
	"github.com/zulandar/leadyard/internal/market"
	"github.com/zulandar/leadyard/internal/models"
)

func newLeadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Lead management commands",
	}

	cmd.AddCommand(newLeadCreateCmd())
	cmd.AddCommand(newLeadShowCmd())
	cmd.AddCommand(newLeadListCmd())
	cmd.AddCommand(newLeadTransitionCmd("activate", "Publish a draft lead", (*market.Market).ActivateLead))
	cmd.AddCommand(newLeadTransitionCmd("pause", "Hide an active lead from buyers", (*market.Market).PauseLead))
	cmd.AddCommand(newLeadTransitionCmd("reactivate", "Return a paused lead to the market", (*market.Market).ReactivateLead))
	cmd.AddCommand(newLeadTransitionCmd("complete", "Close a lead for good", (*market.Market).CompleteLead))
	cmd.AddCommand(newLeadTransitionCmd("delete", "Remove a lead from every listing", (*market.Market).DeleteLead))
	cmd.AddCommand(newLeadAnalyticsCmd())
	return cmd
}

// actorFlags are the identity flags shared by user-facing commands.
type actorFlags struct {
	user  string
	admin bool
}

func (a *actorFlags) register(cmd *cobra.Command, flag, usage string) {
	cmd.Flags().StringVar(&a.user, flag, "", usage+" (required)")
	cmd.Flags().BoolVar(&a.admin, "admin", false, "act with the admin role")
	cmd.MarkFlagRequired(flag)
}

func (a *actorFlags) context() context.Context {
	return a.within(context.Background())
}

func (a *actorFlags) within(ctx context.Context) context.Context {
	return actingAs(ctx, a.user, a.admin)
}

// marketFromConfig connects and builds a one-shot market.
func marketFromConfig(cmd *cobra.Command, configPath string) (*market.Market, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newMarket(cfg, gormDB, newLogger(cfg.Log, cmd.ErrOrStderr())), nil
}

func parseIDArg(s, what string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s ID %q", what, s)
	}
	return uint(n), nil
}

func newLeadCreateCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
		opts       lead.CreateOpts
		expiresIn  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a new lead",
		Long:  "Creates a lead owned by --owner, in draft unless --publish is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if expiresIn > 0 {
				at := time.Now().UTC().Add(expiresIn)
				opts.ExpiresAt = &at
			}
			l, err := m.CreateLead(actor.context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created lead %d (%s, %d slots at %s)\n",
				l.ID, l.Status, l.MaxPurchases, formatCents(l.PriceCents))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "owner", "owning user ID")
	cmd.Flags().StringVar(&opts.Title, "title", "", "lead title (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "lead description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "lead category")
	cmd.Flags().Int64Var(&opts.PriceCents, "price", 0, "price per purchase in cents")
	cmd.Flags().Int64Var(&opts.BudgetMinCents, "budget-min", 0, "homeowner budget lower bound in cents")
	cmd.Flags().Int64Var(&opts.BudgetMaxCents, "budget-max", 0, "homeowner budget upper bound in cents")
	cmd.Flags().IntVar(&opts.MaxPurchases, "max-purchases", 0, "purchase capacity (default from config)")
	cmd.Flags().Float64Var(&opts.QualityScore, "quality", 0, "quality score")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire the lead after this long")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "create active instead of draft")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newLeadShowCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lead",
		Long:  "Shows a lead. Viewing another user's lead counts against the viewer's plan.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0], "lead")
			if err != nil {
				return err
			}
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			l, err := m.ViewLead(actor.context(), id)
			if err != nil {
				return err
			}
			printLead(cmd, l)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "as", "viewing user ID")
	return cmd
}

func printLead(cmd *cobra.Command, l *models.Lead) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Lead:       %d\n", l.ID)
	fmt.Fprintf(out, "Title:      %s\n", l.Title)
	fmt.Fprintf(out, "Owner:      %s\n", l.OwnerID)
	fmt.Fprintf(out, "Status:     %s\n", l.Status)
	fmt.Fprintf(out, "Category:   %s\n", l.Category)
	fmt.Fprintf(out, "Price:      %s\n", formatCents(l.PriceCents))
	if l.BudgetMaxCents > 0 {
		fmt.Fprintf(out, "Budget:     %s - %s\n", formatCents(l.BudgetMinCents), formatCents(l.BudgetMaxCents))
	}
	fmt.Fprintf(out, "Slots:      %d of %d taken\n", l.PurchasedCount, l.MaxPurchases)
	fmt.Fprintf(out, "Expires:    %s\n", formatTime(l.ExpiresAt))
	fmt.Fprintf(out, "Created:    %s\n", formatTime(&l.CreatedAt))
	if l.Description != "" {
		fmt.Fprintf(out, "\n%s\n", l.Description)
	}
}

func newLeadListCmd() *cobra.Command {
	var (
		configPath     string
		actor          actorFlags
		mine           bool
		category       string
		status         string
		includeDeleted bool
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		Long:  "Lists purchasable leads, or with --mine every lead --as owns.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			var leads []models.Lead
			if mine {
				leads, err = m.ListOwnLeads(actor.context(), lead.ListFilters{
					Category:       category,
					Status:         status,
					IncludeDeleted: includeDeleted,
					Limit:          limit,
				})
			} else {
				leads, err = m.ListActiveLeads(actor.context(), category, limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(leads) == 0 {
				fmt.Fprintln(out, "No leads found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tCATEGORY\tSTATUS\tPRICE\tSLOTS\tEXPIRES")
			for _, l := range leads {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					l.ID, truncate(l.Title, 40), l.Category, l.Status,
					formatCents(l.PriceCents), l.PurchasedCount, l.MaxPurchases, formatTime(l.ExpiresAt))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "as", "listing user ID")
	cmd.Flags().BoolVar(&mine, "mine", false, "list leads owned by --as")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&status, "status", "", "filter own leads by status")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include deleted own leads")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum leads to list")
	return cmd
}

type leadTransition func(*market.Market, context.Context, uint) (*models.Lead, error)

func newLeadTransitionCmd(use, short string, fn leadTransition) *cobra.Command {
	var (
		configPath string
		actor      actorFlags
	)

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0], "lead")
			if err != nil {
				return err
			}
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			l, err := fn(m, actor.context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Lead %d is now %s\n", l.ID, l.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "as", "acting user ID")
	return cmd
}

func newLeadAnalyticsCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
	)

	cmd := &cobra.Command{
		Use:   "analytics <id>",
		Short: "Show purchase and conversation activity for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0], "lead")
			if err != nil {
				return err
			}
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			a, err := m.GetLeadAnalytics(actor.context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Lead:          %d (%s)\n", a.LeadID, a.Status)
			fmt.Fprintf(out, "Purchased:     %d of %d (%d left)\n", a.PurchasedCount, a.MaxPurchases, a.RemainingSlots)
			fmt.Fprintf(out, "Revenue:       %s\n", formatCents(a.RevenueCents))
			fmt.Fprintf(out, "Contacted:     %d\n", a.Contacted)
			fmt.Fprintf(out, "Quoted:        %d\n", a.Quoted)
			fmt.Fprintf(out, "Conversations: %d\n", a.Conversations)
			fmt.Fprintf(out, "Messages:      %d (%d unread)\n", a.Messages, a.UnreadForOwner)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "as", "owning user ID")
	return cmd
}
