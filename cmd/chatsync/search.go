package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var searchJSON bool

func init() {
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the user directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		auth, err := newAuth(cfg)
		if err != nil {
			return err
		}
		client := newClient(cfg, newLogger(cfg.Log))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, auth.Token, strings.Join(args, " "))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if searchJSON {
			return json.NewEncoder(out).Encode(users)
		}
		if len(users) == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Fprintf(out, "%-24s %-32s %s\n", u.UserID, u.Email, u.Name)
		}
		return nil
	},
}
