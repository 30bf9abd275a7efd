package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

var (
	initBaseURL    string
	initGatewayURL string
	initEmail      string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Token service base URL")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway", "", "Chat gateway WebSocket URL")
	initCmd.Flags().StringVar(&initEmail, "email", "", "Email to use instead of the token's email claim")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <id-token>",
	Short: "Store an identity token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the identity token issued by your sign-in provider.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		claim := initEmail
		if claim == "" {
			var err error
			if claim, err = chatsync.ClaimFromIDToken(token); err != nil {
				return fmt.Errorf("cannot read identity token: %w", err)
			}
		}
		identity, err := chatsync.ResolveIdentity(claim)
		if err != nil {
			return err
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.IDToken = token
		cfg.Auth.Email = initEmail
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initGatewayURL != "" {
			cfg.Default.GatewayURL = initGatewayURL
		}
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "pebble"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", identity.RawClaim, identity.NormalizedID)
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
