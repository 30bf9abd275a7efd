package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
// Environment variables override file values.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the service endpoints.
type ConfigDefault struct {
	BaseURL    string `toml:"base_url" env:"CHATSYNC_BASE_URL"`
	GatewayURL string `toml:"gateway_url" env:"CHATSYNC_GATEWAY_URL"`
	TokenPath  string `toml:"token_path" env:"CHATSYNC_TOKEN_PATH"`
	SearchPath string `toml:"search_path" env:"CHATSYNC_SEARCH_PATH"`
}

// ConfigAuth holds the identity token of the signed-in user.
type ConfigAuth struct {
	IDToken string `toml:"id_token" env:"CHATSYNC_ID_TOKEN"`
	Email   string `toml:"email" env:"CHATSYNC_EMAIL"`
}

// ConfigCache selects the local cache backend.
type ConfigCache struct {
	Backend string `toml:"backend" env:"CHATSYNC_CACHE_BACKEND"`
	Dir     string `toml:"dir" env:"CHATSYNC_CACHE_DIR"`
}

// ConfigLog configures the CLI logger.
type ConfigLog struct {
	Level  string `toml:"level" env:"CHATSYNC_LOG_LEVEL"`
	Format string `toml:"format" env:"CHATSYNC_LOG_FORMAT"`
	File   string `toml:"file" env:"CHATSYNC_LOG_FILE"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file without the environment overlay.
// A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "gateway_url":
			cfg.Default.GatewayURL = value
		case "token_path":
			cfg.Default.TokenPath = value
		case "search_path":
			cfg.Default.SearchPath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "id_token":
			cfg.Auth.IDToken = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "backend":
			if value != "pebble" && value != "memory" {
				return fmt.Errorf("cache.backend must be pebble or memory")
			}
			cfg.Cache.Backend = value
		case "dir":
			cfg.Cache.Dir = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			if value != "text" && value != "json" {
				return fmt.Errorf("log.format must be text or json")
			}
			cfg.Log.Format = value
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for the chat synchronization engine.\nManage configuration, exchange credentials, inspect the local cache and open a live session.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
