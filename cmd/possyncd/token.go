// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tillware/go-possync/possync"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <organization-id> <register-id>",
	Short: "Issue a register JWT for the given organization",
	Long: `Issue a signed bearer token a register uses to authenticate its
push requests. The token binds the register to one organization; the
authority derives tenant identity from the token, never from the
request body.`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		secret := viper.GetString("jwt_secret")
		if secret == "" {
			return fmt.Errorf("jwt_secret must be set (config or POSSYNC_JWT_SECRET)")
		}
		token, err := possync.NewJWTAuth(secret).GenerateToken(args[0], args[1], tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
