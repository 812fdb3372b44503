package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "PJ", a.Config.Operator)
	assert.FileExists(t, filepath.Join(dir, ".nexus", "nexus.db"))
	_, err = a.Engine.Repo.LatestActivityID(t.Context())
	assert.NoError(t, err)
}

func TestOpenEnvSecretOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nexus.yml"), []byte("operator: ops\nauth:\n  jwt_secret: from-file\n"), 0o644))
	t.Setenv("NEXUS_JWT_SECRET", "from-env")
	a, err := Open(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "from-env", a.Config.Auth.JWTSecret)
	assert.Equal(t, "ops", a.Config.Operator)
}

func TestNewLoggerLevels(t *testing.T) {
	assert.True(t, NewLogger("debug").Enabled(t.Context(), slog.LevelDebug))
	assert.False(t, NewLogger("warn").Enabled(t.Context(), slog.LevelInfo))
}
