package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "leadyard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ly",
		Short:         "Leadyard: a homeowner lead marketplace",
		Long:          "Leadyard sells homeowner leads to a bounded number of contractors and connects each buyer with the owner in a private conversation.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newContactCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newLeadCmd())
	cmd.AddCommand(newPurchaseCmd())
	cmd.AddCommand(newSubscribeCmd())
	cmd.AddCommand(newUsageCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newConversationsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ly %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	os.Exit(execute(newRootCmd()))
}
