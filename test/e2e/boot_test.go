package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBootCreatesStateDirectory checks the first-boot layout: database,
// token, and TLS material appear under the base directory with owner-only
// permissions on the secrets.
func TestBootCreatesStateDirectory(t *testing.T) {
	app := NewTestApp(t)

	tokenInfo, err := os.Stat(app.Config.TokenPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), tokenInfo.Mode().Perm())

	_, err = os.Stat(app.Config.TLSCertPath())
	require.NoError(t, err)

	keyInfo, err := os.Stat(app.Config.TLSKeyPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	_, err = os.Stat(app.Config.DatabasePath())
	require.NoError(t, err)

	// The token on disk is the one the wire accepts.
	raw, err := os.ReadFile(app.Config.TokenPath())
	require.NoError(t, err)
	client := Connect(t, app)
	client.Auth(strings.TrimSpace(string(raw)))
}

// TestWrongTokenRejected authenticates with a bad token over the real TLS
// listener.
func TestWrongTokenRejected(t *testing.T) {
	app := NewTestApp(t)

	client := Connect(t, app)
	rpcErr := client.CallErr("auth", map[string]string{"token": "not-the-token"})
	require.Equal(t, "ErrUnauthenticated", rpcErr.Code)

	// The same connection can still present the right token afterwards.
	client.Auth(app.Token)
}

// TestMethodsRequireAuth hits an RPC before authenticating.
func TestMethodsRequireAuth(t *testing.T) {
	app := NewTestApp(t)

	client := Connect(t, app)
	rpcErr := client.CallErr("sessions.list", nil)
	require.Equal(t, "ErrUnauthenticated", rpcErr.Code)
}

// TestHealthOverTLS probes the unauthenticated health endpoint through the
// self-signed certificate.
func TestHealthOverTLS(t *testing.T) {
	app := NewTestApp(t)

	resp, err := app.HTTPClient().Get(app.BaseURL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Database struct {
			Status string `json:"status"`
		} `json:"database"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "healthy", health.Database.Status)
	require.NotEmpty(t, health.Version)
}
