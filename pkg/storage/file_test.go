package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("MissingSession", func(t *testing.T) {
		fs := NewFileStore(t.TempDir(), "")
		_, err := fs.LoadSession(ctx)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("SessionRoundTrip", func(t *testing.T) {
		fs := NewFileStore(t.TempDir(), "")
		want := Session{AuthCookie: "abc", UserRecord: "def"}
		require.NoError(t, fs.SaveSession(ctx, want))

		got, err := fs.LoadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("SessionFilePermissions", func(t *testing.T) {
		dir := t.TempDir()
		fs := NewFileStore(dir, "")
		require.NoError(t, fs.SaveSession(ctx, Session{Token: "secret"}))

		info, err := os.Stat(filepath.Join(dir, sessionFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "credential files must be owner-only")
	})

	t.Run("CorruptSessionIgnored", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, sessionFile), []byte("{not json"), 0o600))

		fs := NewFileStore(dir, "")
		_, err := fs.LoadSession(ctx)
		assert.ErrorIs(t, err, ErrNoSession, "corrupt files trigger a fresh login, not a crash")
	})

	t.Run("CustomSessionName", func(t *testing.T) {
		dir := t.TempDir()
		fs := NewFileStore(dir, ".powerwall")
		require.NoError(t, fs.SaveSession(ctx, Session{Token: "tok"}))

		_, err := os.Stat(filepath.Join(dir, ".powerwall"))
		assert.NoError(t, err)
	})

	t.Run("SiteIDRoundTrip", func(t *testing.T) {
		fs := NewFileStore(t.TempDir(), "")
		_, err := fs.LoadSiteID(ctx)
		assert.ErrorIs(t, err, ErrNoSite)

		require.NoError(t, fs.SaveSiteID(ctx, "123456789"))
		got, err := fs.LoadSiteID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "123456789", got)
	})
}

func TestSessionEmpty(t *testing.T) {
	assert.True(t, Session{}.Empty())
	assert.False(t, Session{Token: "x"}.Empty())
}
