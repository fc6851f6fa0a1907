package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/leadyard/internal/config"
	"github.com/zulandar/leadyard/internal/identity"
	"golang.org/x/term"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		user       string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long: `Signs an HS256 token for a user with the configured server.jwt_secret.
When no secret is configured it is read from the terminal without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := tokenSecret(cmd, configPath)
			if err != nil {
				return err
			}
			tok, err := identity.Issue(secret, user, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Leadyard config file")
	cmd.Flags().StringVar(&user, "user", "", "user ID the token authenticates (required)")
	cmd.Flags().StringVar(&role, "role", "", "optional role (admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}

func tokenSecret(cmd *cobra.Command, configPath string) ([]byte, error) {
	if cfg, err := config.Load(configPath); err == nil && cfg.Server.JWTSecret != "" {
		return []byte(cfg.Server.JWTSecret), nil
	}
	if v := os.Getenv("LEADYARD_JWT_SECRET"); v != "" {
		return []byte(v), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no jwt secret configured and stdin is not a terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "JWT secret: ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if strings.TrimSpace(string(secret)) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return secret, nil
}
