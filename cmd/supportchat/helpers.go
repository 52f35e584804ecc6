package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	supportchat "github.com/helpwire/supportchat-go"
)

// getClient creates a client authenticated with the stored token.
func getClient() (*supportchat.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'supportchat login <mobile>' first.")
		os.Exit(1)
	}

	var opts []supportchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, supportchat.WithBaseURL(cfg.Default.BaseURL))
	}

	return supportchat.NewClient(cfg.Auth.Token, opts...), cfg
}

// queueDir returns the directory for the durable offline queue: the
// configured data_dir, or a "queue" subdirectory of the config dir.
func queueDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue"), nil
}

// newLogger builds a console logger at the given verbosity.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
