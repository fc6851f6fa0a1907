package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/models"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Leadyard tables",
		Long:  "Connects to the configured database and migrates every table the marketplace uses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %s database %s\n", cfg.Database.Driver, cfg.Database.Name)

			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	return cmd
}

func newContactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage notification contact details",
	}

	cmd.AddCommand(newContactSetCmd())
	return cmd
}

func newContactSetCmd() *cobra.Command {
	var (
		configPath string
		user       string
		email      string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a user's email and display name",
		Long:  "Creates or replaces the contact record the email sink uses to reach a user.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.UpsertContact(gormDB, models.Contact{UserID: user, Email: email, DisplayName: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Contact for %s set to %s\n", user, email)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("email")
	return cmd
}
