package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and identity",
	Long:  "Display the current configuration, the identity derived from the stored token and whether the token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintf(out, "  Gateway:     %s\n", valueOrDefault(cfg.Default.GatewayURL, "(not set)"))
		fmt.Fprintf(out, "  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "pebble"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.IDToken == "" {
			fmt.Fprintln(out, "  Token:       (not set)")
			return nil
		}
		fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.IDToken))

		claim := cfg.Auth.Email
		if claim == "" {
			claim, _ = chatsync.ClaimFromIDToken(cfg.Auth.IDToken)
		}
		if identity, err := chatsync.ResolveIdentity(claim); err == nil {
			fmt.Fprintf(out, "  Email:       %s\n", identity.RawClaim)
			fmt.Fprintf(out, "  User ID:     %s\n", identity.NormalizedID)
		} else {
			fmt.Fprintf(out, "  User ID:     (%v)\n", err)
		}
		fmt.Fprintf(out, "  Expiry:      %s\n", tokenExpiry(cfg.Auth.IDToken, time.Now()))
		return nil
	},
}

// tokenExpiry describes the exp claim of an unverified identity token.
func tokenExpiry(token string, now time.Time) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "unreadable token"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "no expiry set"
	}
	if now.Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Time.Format(time.RFC3339))
}
