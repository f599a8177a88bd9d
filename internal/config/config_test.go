package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchime/openchime/internal/errs"
)

func TestLoadConfig_ExplicitDBPath(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "chime.db")

	cfg, err := LoadConfig(dbPath, true, false)
	require.NoError(t, err)
	assert.Equal(t, dbPath, cfg.DatabasePath)
	assert.Equal(t, filepath.Join(dir, "nested"), cfg.DataDir)
	assert.True(t, cfg.NoAudio)
	assert.False(t, cfg.SyncNow)
	assert.DirExists(t, cfg.DataDir)
}

func TestRequireGoogle_Valid(t *testing.T) {
	cfg := &Config{
		GoogleClientID:     "123456789-abc.apps.googleusercontent.com",
		GoogleClientSecret: "GOCSPX-realsecret",
	}
	assert.NoError(t, cfg.RequireGoogle())
}

func TestRequireGoogle_MissingEnv(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireGoogle()
	require.Error(t, err)
	assert.Equal(t, errs.ConfigInvalid, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "Google Calendar is not configured")
}

func TestRequireGoogle_PlaceholderRejected(t *testing.T) {
	cfg := &Config{
		GoogleClientID:     "your-client-id",
		GoogleClientSecret: "your-client-secret",
	}
	err := cfg.RequireGoogle()
	require.Error(t, err)
	assert.Equal(t, errs.ConfigInvalid, errs.CodeOf(err))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)
}

func TestRequireGoogle_BadClientIDShape(t *testing.T) {
	cfg := &Config{
		GoogleClientID:     "not-a-google-id",
		GoogleClientSecret: "GOCSPX-realsecret",
	}
	err := cfg.RequireGoogle()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Google Calendar is not configured")
}
