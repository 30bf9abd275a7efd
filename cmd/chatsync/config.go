package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	Long:  "Print ~/.chatsync/config.toml with the identity token masked.\nValues overridden by CHATSYNC_* environment variables are listed after the file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'chatsync init <id-token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Auth.IDToken != "" && !configReveal {
			shown.Auth.IDToken = maskKey(shown.Auth.IDToken)
		}
		data, err := toml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprintf(out, "# %s\n", path)
		fmt.Fprint(out, string(data))

		effective, err := loadConfig()
		if err != nil {
			return err
		}
		overrides := envOverrides(cfg, effective)
		if len(overrides) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "# environment overrides")
			for _, o := range overrides {
				fmt.Fprintln(out, "#   "+o)
			}
		}
		return nil
	},
}

var configReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "print the identity token unmasked")
}

// envOverrides lists the keys whose effective value differs from the file.
// The identity token is never printed in full.
func envOverrides(file, effective *Config) []string {
	pairs := []struct {
		key         string
		file, value string
	}{
		{"default.base_url", file.Default.BaseURL, effective.Default.BaseURL},
		{"default.gateway_url", file.Default.GatewayURL, effective.Default.GatewayURL},
		{"default.token_path", file.Default.TokenPath, effective.Default.TokenPath},
		{"default.search_path", file.Default.SearchPath, effective.Default.SearchPath},
		{"auth.id_token", file.Auth.IDToken, effective.Auth.IDToken},
		{"auth.email", file.Auth.Email, effective.Auth.Email},
		{"cache.backend", file.Cache.Backend, effective.Cache.Backend},
		{"cache.dir", file.Cache.Dir, effective.Cache.Dir},
		{"log.level", file.Log.Level, effective.Log.Level},
		{"log.format", file.Log.Format, effective.Log.Format},
		{"log.file", file.Log.File, effective.Log.File},
	}
	var out []string
	for _, p := range pairs {
		if p.file == p.value {
			continue
		}
		v := p.value
		if p.key == "auth.id_token" {
			v = maskKey(v)
		}
		out = append(out, fmt.Sprintf("%s = %q", p.key, v))
	}
	return out
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.gateway_url wss://chat.example.com/ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
