// Package config provides centralized configuration management for OpenChime.
// It loads configuration from CLI flags and environment variables, validates
// required fields, and provides sensible defaults.
//
// Google OAuth credentials come from the environment and are validated only
// when a Google account is in play; ICS-only installs run without them.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openchime/openchime/internal/errs"
)

const (
	// DatabaseFileName is the SQLite file inside the data directory.
	DatabaseFileName = "openchime.db"

	// KeystoreService and KeystoreEntry locate the master key in the
	// OS credential store.
	KeystoreService = "openchime"
	KeystoreEntry   = "master-key"

	// UserAgent identifies OpenChime to calendar providers.
	UserAgent = "OpenChime/1.0"

	// HTTP client settings shared by all provider calls.
	HTTPRequestTimeout = 30 * time.Second
	HTTPConnectTimeout = 10 * time.Second
)

// Config holds all application configuration.
type Config struct {
	// DataDir is the per-user directory holding the database and backups.
	DataDir string
	// DatabasePath is the full path to the SQLite file.
	DatabasePath string

	// Google OAuth client credentials (env). May be empty on ICS-only
	// installs; validated by RequireGoogle before any Google account is
	// touched.
	GoogleClientID     string
	GoogleClientSecret string

	// NoAudio replaces the audio player with a silent mock (--no-audio).
	NoAudio bool
	// SyncNow forces one full sync immediately at startup (--sync-now).
	SyncNow bool
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses CLI flags and returns them. Call before LoadConfig.
func ParseFlags() (dbPath string, noAudio, syncNow bool) {
	flag.StringVar(&dbPath, "db", "", "Database file path (default: per-user data directory)")
	flag.BoolVar(&noAudio, "no-audio", false, "Disable audio playback (alerts are still shown)")
	flag.BoolVar(&syncNow, "sync-now", false, "Run a full calendar sync immediately at startup")
	flag.Parse()
	return dbPath, noAudio, syncNow
}

// LoadConfig loads configuration from environment variables and CLI flag values.
func LoadConfig(dbPath string, noAudio, syncNow bool) (*Config, error) {
	cfg := &Config{
		NoAudio: noAudio,
		SyncNow: syncNow,

		GoogleClientID:     strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_SECRET")),
	}

	if dbPath != "" {
		cfg.DatabasePath = dbPath
		cfg.DataDir = filepath.Dir(dbPath)
	} else {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, "could not resolve the user data directory", err)
		}
		cfg.DataDir = filepath.Join(base, "openchime")
		cfg.DatabasePath = filepath.Join(cfg.DataDir, DatabaseFileName)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "could not create the data directory", err)
	}

	return cfg, nil
}

// placeholder literals shipped in old setup guides; treated as unset.
var placeholderLiterals = []string{
	"your-client-id",
	"your-client-secret",
	"changeme",
	"xxx",
}

func isPlaceholder(v string) bool {
	lowered := strings.ToLower(strings.TrimSpace(v))
	for _, p := range placeholderLiterals {
		if lowered == p {
			return true
		}
	}
	return false
}

// RequireGoogle validates the Google OAuth environment. It must pass before
// a Google account is added or synced; there is no placeholder fallback.
func (c *Config) RequireGoogle() error {
	var problems []string

	switch {
	case c.GoogleClientID == "":
		problems = append(problems, "GOOGLE_CLIENT_ID is required for Google Calendar accounts")
	case isPlaceholder(c.GoogleClientID):
		problems = append(problems, "GOOGLE_CLIENT_ID is a placeholder value; set your real OAuth client id")
	case !strings.Contains(c.GoogleClientID, ".apps.googleusercontent.com"):
		problems = append(problems, "GOOGLE_CLIENT_ID does not look like a Google OAuth client id (expected *.apps.googleusercontent.com)")
	}

	switch {
	case c.GoogleClientSecret == "":
		problems = append(problems, "GOOGLE_CLIENT_SECRET is required for Google Calendar accounts")
	case isPlaceholder(c.GoogleClientSecret):
		problems = append(problems, "GOOGLE_CLIENT_SECRET is a placeholder value; set your real OAuth client secret")
	}

	if len(problems) > 0 {
		return errs.Wrap(errs.ConfigInvalid, "Google Calendar is not configured", &ValidationError{Errors: problems})
	}
	return nil
}
