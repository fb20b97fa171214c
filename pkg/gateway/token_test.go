package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateTokenGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway-token")

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	require.Len(t, token, 64)

	again, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestLoadOrCreateTokenFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway-token")

	_, err := LoadOrCreateToken(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateTokenTrimsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway-token")
	require.NoError(t, os.WriteFile(path, []byte("  preseeded-token\n"), 0o600))

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, "preseeded-token", token)
}

func TestLoadOrCreateTokenReplacesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway-token")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Len(t, token, 64)
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("secret", "secret"))
	assert.False(t, tokenMatches("secret", "Secret"))
	assert.False(t, tokenMatches("secret", "secret "))
	assert.False(t, tokenMatches("secret", ""))
}
