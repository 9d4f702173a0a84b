package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"roomcast/internal/app"
)

var (
	tokenName  string
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Create a session and print a signed credential for it (development helper)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		name := tokenName
		if name == "" {
			name = args[0]
		}
		token, err := app.IssueDevToken(ctx, cfg, args[0], name, tokenEmail, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email carried in the credential")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "credential lifetime (defaults to session.ttl)")
}
