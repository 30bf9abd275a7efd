package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

// newLogger builds the CLI logger. Logs go to stderr, or to a rotating file
// when log.file is set.
func newLogger(cfg ConfigLog) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newClient creates a token service client from the config.
func newClient(cfg *Config, logger *slog.Logger) *chatsync.Client {
	opts := []chatsync.ClientOption{chatsync.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.TokenPath != "" {
		opts = append(opts, chatsync.WithTokenPath(cfg.Default.TokenPath))
	}
	if cfg.Default.SearchPath != "" {
		opts = append(opts, chatsync.WithSearchPath(cfg.Default.SearchPath))
	}
	return chatsync.NewClient(opts...)
}

// newAuth returns the auth provider for the stored identity token.
func newAuth(cfg *Config) (*chatsync.IDTokenAuth, error) {
	if cfg.Auth.IDToken == "" {
		return nil, fmt.Errorf("no identity token; run 'chatsync init <id-token>' first")
	}
	return &chatsync.IDTokenAuth{Token: cfg.Auth.IDToken, Email: cfg.Auth.Email}, nil
}

// openKV opens the configured cache backend.
func openKV(cfg *Config) (chatsync.KV, error) {
	if cfg.Cache.Backend == "memory" {
		return chatsync.NewMemoryKV(), nil
	}
	dir := cfg.Cache.Dir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "cache")
	}
	kv, err := chatsync.OpenPebbleKV(dir)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	return kv, nil
}

// maskKey shows the first 12 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
