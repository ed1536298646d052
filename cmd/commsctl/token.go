package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Comms/internal/auth"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token for --user with --jwt-secret.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := mintToken(ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func mintToken(ttl time.Duration) (string, error) {
	user := viper.GetString("user")
	if user == "" {
		return "", errors.New("--user is required")
	}
	secret := viper.GetString("jwt_secret")
	if secret == "" {
		return "", errors.New("--jwt-secret is required to mint a token")
	}
	return auth.Issue(secret, domain.Identity(user), ttl)
}
