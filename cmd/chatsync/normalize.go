package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

func init() {
	rootCmd.AddCommand(normalizeCmd)
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <claim>...",
	Short: "Print the participant id derived from each claim",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, raw := range args {
			id, err := chatsync.ResolveIdentity(raw)
			if err != nil {
				return fmt.Errorf("%q: %w", raw, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.NormalizedID)
		}
		return nil
	},
}
