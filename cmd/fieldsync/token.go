package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fieldsync/internal/domain"
	"fieldsync/internal/httpapi"
)

// newTokenCmd mints a token with AUTH_SECRET. Production tokens come from the
// identity service; this exists for local agents and smoke tests.
func newTokenCmd(env envFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := env()
			if err := validateSecurityConfig(cfg); err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			tenant, _ := cmd.Flags().GetString("tenant")
			areas, _ := cmd.Flags().GetStringSlice("area")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if tenant == "" {
				tenant = cfg.Server.DefaultTenant
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			token, err := httpapi.NewAuthManager(cfg.Auth.Secret).Sign(domain.Actor{
				Username: strings.TrimSpace(user),
				Role:     strings.TrimSpace(role),
				TenantID: tenant,
				Areas:    areas,
			}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("user", "agent", "Subject username")
	cmd.Flags().String("role", "agent", "Role: agent|lead|admin|service")
	cmd.Flags().String("tenant", "", "Tenant id (default DEFAULT_TENANT_ID)")
	cmd.Flags().StringSlice("area", nil, "Area ids the actor may follow")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default AUTH_TOKEN_TTL)")
	return cmd
}
