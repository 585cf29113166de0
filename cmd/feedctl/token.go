package main

import (
	"fmt"
	"time"

	"classbridge/api/internal/auth"
	"classbridge/api/internal/rbac"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	tokenCmd.Flags().String("org", "", "organization id")
	tokenCmd.Flags().String("user", "", "user id")
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().String("role", string(rbac.RoleGuardian), "guardian, teacher, staff or admin")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("org")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token signed with JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{
			Org:              orgID,
			Name:             name,
			Role:             string(rbac.Normalize(role)),
			RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
