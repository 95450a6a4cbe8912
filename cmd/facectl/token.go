package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/face-capture/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the capture API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			operator := mustGetString(cmd, "operator")
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			audience := mustGetString(cmd, "audience")
			if audience == "" {
				audience = a.cfg.Auth.JWTAudience
			}
			token, err := auth.IssueToken(a.cfg.Auth.JWTSecret, operator, audience, mustGetDuration(cmd, "ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("operator", "", "Operator id placed in the token subject")
	cmd.Flags().String("audience", "", "Token audience (defaults to JWT_AUDIENCE)")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
