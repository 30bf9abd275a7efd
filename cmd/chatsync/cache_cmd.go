package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

var (
	cacheShowJSON bool
	cacheClearAll bool
)

func init() {
	cacheShowCmd.Flags().BoolVar(&cacheShowJSON, "json", false, "Output raw JSON")
	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "Clear every cached conversation")
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheLsCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local message cache",
	Long:  "List, print or clear the per-conversation message cache.\nConversations are written as <type>:<id>, e.g. peer:alice@example.com or room:global.",
}

// withCache opens the configured cache store, runs fn and closes the store.
func withCache(fn func(store *chatsync.CacheStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	kv, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(chatsync.NewCacheStore(kv, chatsync.WithCacheLogger(newLogger(cfg.Log))))
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(store *chatsync.CacheStore) error {
			entries, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Cache is empty.")
				return nil
			}
			last, hasLast := store.LastConversation()
			for _, e := range entries {
				marker := " "
				if hasLast && e.Conversation == last {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-5s %-40s %8s msgs  updated %s\n",
					marker,
					e.Conversation.Type,
					e.Conversation.ID,
					humanize.Comma(int64(len(e.Messages))),
					humanize.Time(e.UpdatedAt),
				)
			}
			return nil
		})
	},
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <conversation>",
	Short: "Print the cached messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := chatsync.ParseConversationKey(args[0])
		if err != nil {
			return err
		}
		return withCache(func(store *chatsync.CacheStore) error {
			entry, ok := store.Entry(k)
			if !ok {
				return fmt.Errorf("no cache entry for %s", args[0])
			}
			out := cmd.OutOrStdout()
			if cacheShowJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}
			for _, m := range entry.Messages {
				printMessage(out, m)
			}
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [conversation]",
	Short: "Clear one cached conversation, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cacheClearAll && len(args) == 0 {
			return fmt.Errorf("specify a conversation or --all")
		}
		return withCache(func(store *chatsync.CacheStore) error {
			if cacheClearAll {
				if err := store.ClearAll(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
				return nil
			}
			k, err := chatsync.ParseConversationKey(args[0])
			if err != nil {
				return err
			}
			if err := store.Clear(k); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s.\n", args[0])
			return nil
		})
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("Jan 2 15:04")
}
