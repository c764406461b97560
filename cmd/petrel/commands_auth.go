package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/gateway"
)

func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Mint and manage connection tokens",
	}
	cmd.AddCommand(buildAuthTokenCmd())
	return cmd
}

func buildAuthTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed connection token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				return fmt.Errorf("auth is disabled in %s; set auth.enabled: true", configPath)
			}
			if cfg.Auth.JWTSecret == "" {
				secret, err := promptSecret(cmd, "JWT secret: ")
				if err != nil {
					return err
				}
				cfg.Auth.JWTSecret = secret
			}
			tokens := gateway.NewTokenService(cfg.Auth)
			token, err := tokens.Issue(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id the token identifies (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// promptSecret reads without echo when stdin is a terminal, and falls
// back to a plain line read so it still works under pipes and tests.
func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	var line string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &line); err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
