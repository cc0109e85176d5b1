package main

import (
	"errors"
	"fmt"

	"github.com/HerbHall/pulsewatch/internal/auth"
	"github.com/HerbHall/pulsewatch/internal/server"
	"github.com/spf13/cobra"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an API token signed with stream.token_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := server.LoadConfig(root.configPath)
			if err != nil {
				return err
			}
			secret := v.GetString("stream.token_secret")
			if secret == "" {
				return errors.New("stream.token_secret is not set")
			}
			tokens := auth.NewTokenService([]byte(secret), v.GetDuration("stream.token_ttl"))
			tok, err := tokens.Issue(args[0], scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeStream},
		fmt.Sprintf("token scopes (%s, %s)", auth.ScopeStream, auth.ScopeAdmin))
	return cmd
}
