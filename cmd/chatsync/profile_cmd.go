package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

var (
	profileName  string
	profilePhoto string
)

func init() {
	profileSetCmd.Flags().StringVar(&profileName, "name", "", "Display name")
	profileSetCmd.Flags().StringVar(&profilePhoto, "photo", "", "Photo URL")
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View or edit the local profile",
}

// withProfile resolves the signed-in identity and opens the profile store.
func withProfile(fn func(store *chatsync.ProfileStore, id chatsync.Identity) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	id, err := chatsync.ResolveIdentity(auth.Claim())
	if err != nil {
		return err
	}
	kv, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(chatsync.NewProfileStore(kv, chatsync.SystemClock), id)
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the local profile, creating it on first use",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfile(func(store *chatsync.ProfileStore, id chatsync.Identity) error {
			p, err := store.Ensure(id.NormalizedID, id.RawClaim, "", "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Email:        %s\n", valueOrDefault(p.Email, "(not set)"))
			fmt.Fprintf(out, "Display Name: %s\n", p.DisplayName)
			fmt.Fprintf(out, "Photo:        %s\n", valueOrDefault(p.Photo, "(not set)"))
			fmt.Fprintf(out, "Updated:      %s\n", formatTime(p.UpdatedAt))
			return nil
		})
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update the display name or photo",
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileName == "" && profilePhoto == "" {
			return fmt.Errorf("nothing to set; use --name or --photo")
		}
		return withProfile(func(store *chatsync.ProfileStore, id chatsync.Identity) error {
			p, err := store.Ensure(id.NormalizedID, id.RawClaim, "", "")
			if err != nil {
				return err
			}
			if profileName != "" {
				p.DisplayName = profileName
			}
			if profilePhoto != "" {
				p.Photo = profilePhoto
			}
			if _, err := store.Save(id.NormalizedID, p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Profile updated.")
			return nil
		})
	},
}
