package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

var (
	tokenShow bool
	tokenJSON bool
)

func init() {
	tokenCmd.Flags().BoolVar(&tokenShow, "show", false, "Print the credential unmasked")
	tokenCmd.Flags().BoolVar(&tokenJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the identity token for a chat credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		auth, err := newAuth(cfg)
		if err != nil {
			return err
		}
		identity, err := chatsync.ResolveIdentity(auth.Claim())
		if err != nil {
			return err
		}
		client := newClient(cfg, newLogger(cfg.Log))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cred, err := client.Exchange(ctx, auth.Token, identity.NormalizedID)
		if err != nil {
			return err
		}

		token := cred.Token
		if !tokenShow {
			token = maskKey(token)
		}
		out := cmd.OutOrStdout()
		if tokenJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"token":       token,
				"ownerId":     cred.OwnerID,
				"issuedForId": cred.IssuedForID,
			})
		}
		fmt.Fprintf(out, "Token:      %s\n", token)
		fmt.Fprintf(out, "Issued for: %s\n", cred.IssuedForID)
		if cred.IssuedForID != identity.NormalizedID {
			fmt.Fprintf(out, "Warning: credential issued for %s, expected %s\n", cred.IssuedForID, identity.NormalizedID)
		}
		return nil
	},
}
