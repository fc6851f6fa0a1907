package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPurchaseCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
		key        string
	)

	cmd := &cobra.Command{
		Use:   "purchase <lead-id>",
		Short: "Buy a lead",
		Long: `Purchases a lead for --buyer and opens the conversation with its owner.
Repeating the command with the same --key returns the original purchase.
Without --key a fresh one is generated and printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseIDArg(args[0], "lead")
			if err != nil {
				return err
			}
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if key == "" {
				key = uuid.NewString()
				fmt.Fprintf(out, "Idempotency key: %s\n", key)
			}
			res, err := m.PurchaseLead(actor.context(), leadID, key)
			if err != nil {
				return err
			}
			verb := "Purchased"
			if res.Replayed {
				verb = "Already purchased"
			}
			fmt.Fprintf(out, "%s lead %d (purchase %d, conversation %d)\n",
				verb, leadID, res.Purchase.ID, res.Conversation.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "buyer", "buying user ID")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")

	cmd.AddCommand(newPurchaseListCmd())
	cmd.AddCommand(newPurchaseMarkCmd("contacted", "Record that the homeowner was contacted"))
	cmd.AddCommand(newPurchaseMarkCmd("quoted", "Record that a quote was submitted"))
	return cmd
}

func newPurchaseListCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a buyer's purchases",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			list, err := m.ListPurchases(actor.context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintf(out, "No purchases for %s\n", actor.user)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLEAD\tPRICE\tPURCHASED\tCONTACTED\tQUOTED")
			for _, p := range list {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
					p.ID, p.LeadID, formatCents(p.PriceCents), formatTime(&p.PurchasedAt),
					formatTime(p.ContactedAt), formatTime(p.QuoteSubmittedAt))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "buyer", "buying user ID")
	return cmd
}

func newPurchaseMarkCmd(marker, short string) *cobra.Command {
	var (
		configPath string
		actor      actorFlags
	)

	cmd := &cobra.Command{
		Use:   marker + " <purchase-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0], "purchase")
			if err != nil {
				return err
			}
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			mark := m.MarkContacted
			if marker == "quoted" {
				mark = m.MarkQuoted
			}
			p, err := mark(actor.context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purchase %d marked %s\n", p.ID, marker)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "buyer", "buying user ID")
	return cmd
}
