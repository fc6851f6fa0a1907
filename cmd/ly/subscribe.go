package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSubscribeCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
		plan       string
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Put a buyer on a plan",
		Long:  "Starts a fresh period on the named plan. An existing subscription is replaced and its counters reset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			sub, err := m.Subscribe(actor.context(), actor.user, plan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is on plan %s until %s\n",
				sub.BuyerID, sub.Plan, formatTime(&sub.CurrentPeriodEnd))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "buyer", "buying user ID")
	cmd.Flags().StringVar(&plan, "plan", "", "plan name from config (required)")
	cmd.MarkFlagRequired("plan")
	return cmd
}

func newUsageCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show a buyer's quota for the current period",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			u, err := m.Usage(actor.context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan:    %s\n", u.Plan)
			fmt.Fprintf(out, "Period:  %s to %s\n", formatTime(&u.PeriodStart), formatTime(&u.PeriodEnd))
			if u.Unlimited {
				fmt.Fprintln(out, "Views:   unlimited")
				fmt.Fprintln(out, "Leads:   unlimited")
				return nil
			}
			fmt.Fprintf(out, "Views:   %d of %d used\n", u.UsedViews, u.MaxViews)
			fmt.Fprintf(out, "Leads:   %d of %d used\n", u.UsedLeads, u.IncludedLeads)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "buyer", "buying user ID")
	return cmd
}
