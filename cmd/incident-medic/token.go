package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/pkg/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				return errors.New("auth is disabled in the configuration")
			}

			authenticator, err := auth.NewAuthenticator(auth.Config{
				SecretKey:     cfg.Auth.SecretKey,
				Issuer:        cfg.Auth.Issuer,
				TokenDuration: cfg.Auth.TokenDuration,
			})
			if err != nil {
				return err
			}

			token, expiresAt, err := authenticator.IssueToken(subject, domain.Role(role))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the operator's email")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleOperator), "viewer, operator or admin")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
