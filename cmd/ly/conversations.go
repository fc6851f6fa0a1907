package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConversationsCmd() *cobra.Command {
	var (
		configPath string
		actor      actorFlags
		of         string
	)

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List a user's conversations",
		Long:  "Lists conversations --user takes part in, most recently active first. Admins may pass --of to list another user's.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := marketFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			list, err := m.ListConversationsForUser(actor.context(), of)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No conversations")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLEAD\tSTATUS\tWITH\tUNREAD\tLAST MESSAGE")
			for _, s := range list {
				latest := "-"
				if s.Latest != nil {
					latest = truncate(s.Latest.Content, 40)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					s.Conversation.ID, truncate(s.LeadTitle, 30), s.LeadStatus, s.Counterpart, s.Unread, latest)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	actor.register(cmd, "user", "user ID")
	cmd.Flags().StringVar(&of, "of", "", "list another user's conversations (admin)")
	return cmd
}
