// Package e2e boots a complete gateway on an ephemeral loopback port and
// drives it the way a real client does: TLS WebSocket, token auth, JSON
// request frames. Nothing in here reaches into gateway internals; state is
// asserted over the wire or through the same storage layer the daemon uses.
package e2e

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dorabot/dorabot/pkg/approval"
	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/eventlog"
	"github.com/dorabot/dorabot/pkg/gateway"
	"github.com/dorabot/dorabot/pkg/models"
	"github.com/dorabot/dorabot/pkg/producer"
	"github.com/dorabot/dorabot/pkg/registry"
	"github.com/dorabot/dorabot/pkg/supervisor"
)

// TestApp is a complete gateway instance for e2e testing.
type TestApp struct {
	Config     *config.Config
	DBClient   *database.Client
	Log        *eventlog.Log
	Registry   *registry.Registry
	Approvals  *approval.Coordinator
	Supervisor *supervisor.Supervisor
	Manager    *gateway.Manager
	Server     *gateway.Server

	// Token is the auth token read back from the state directory.
	Token string
	// BaseURL is the HTTPS root, WSURL the WebSocket endpoint.
	BaseURL string
	WSURL   string

	t *testing.T
}

type testConfig struct {
	producer producer.Producer
	mutate   func(*config.Config)
}

// TestAppOption customizes the booted gateway.
type TestAppOption func(*testConfig)

// WithProducer substitutes the agent producer. The default is a script that
// streams one delta and finishes.
func WithProducer(p producer.Producer) TestAppOption {
	return func(tc *testConfig) { tc.producer = p }
}

// WithConfig adjusts configuration before any component is wired.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(tc *testConfig) { tc.mutate = mutate }
}

// NewTestApp boots the full stack against a fresh state directory and
// registers teardown on t. The returned app is serving on a random loopback
// port with real TLS material generated on first boot.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Gateway.WriteTimeout = 5 * time.Second
	cfg.Gateway.AuthGrace = time.Minute
	cfg.Approval.RequireApprovalExpiry = 10 * time.Second
	if tc.mutate != nil {
		tc.mutate(cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.TLSDir(), 0o700))

	ctx := context.Background()

	// 1. Storage.
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.DatabasePath()))
	require.NoError(t, err)

	log, err := eventlog.New(ctx, dbClient.DB())
	require.NoError(t, err)

	reg, err := registry.New(ctx, dbClient.DB())
	require.NoError(t, err)

	// 2. Run plumbing.
	approvals := approval.NewCoordinator(log, *cfg.Approval)

	prod := tc.producer
	if prod == nil {
		prod = &producer.Script{Steps: []producer.Event{
			&producer.StreamEvent{Delta: "hello"},
			&producer.ResultEvent{Output: "hello there", ExternalSessionID: "ext-e2e"},
		}}
	}
	super := supervisor.New(log, reg, approvals, prod)

	// 3. Credentials, created in the state directory exactly as a first
	// daemon boot would.
	token, err := gateway.LoadOrCreateToken(cfg.TokenPath())
	require.NoError(t, err)
	cert, err := gateway.LoadOrCreateCertificate(cfg.TLSCertPath(), cfg.TLSKeyPath())
	require.NoError(t, err)

	// 4. Wire surface on an ephemeral port.
	manager := gateway.NewManager(cfg.Gateway, token, log, reg, super, approvals)
	server := gateway.NewServer(cfg.Gateway, manager, dbClient, cert)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()

	app := &TestApp{
		Config:     cfg,
		DBClient:   dbClient,
		Log:        log,
		Registry:   reg,
		Approvals:  approvals,
		Supervisor: super,
		Manager:    manager,
		Server:     server,
		Token:      token,
		BaseURL:    "https://" + addr,
		WSURL:      "wss://" + addr + "/ws",
		t:          t,
	}

	// Teardown in reverse creation order. Runs abort first so every stream
	// is sealed before the listener goes away.
	t.Cleanup(func() {
		super.Stop()
		approvals.CancelAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		reg.Close()
		log.Close()
		_ = dbClient.Close()
	})

	return app
}

// HTTPClient returns a client that accepts the gateway's self-signed
// certificate.
func (a *TestApp) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// Session creates or fetches a session and returns its key.
func (a *TestApp) Session(channel, chatType, chatID string) string {
	a.t.Helper()
	session, err := a.Registry.GetOrCreate(context.Background(), models.SessionDescriptor{
		Channel:  channel,
		ChatType: chatType,
		ChatID:   chatID,
	})
	require.NoError(a.t, err)
	return session.Key
}

// WaitForRunToFinish polls until the session has no active run.
func (a *TestApp) WaitForRunToFinish(key string, timeout time.Duration) {
	a.t.Helper()
	require.Eventually(a.t, func() bool {
		return !a.Registry.HasActiveRun(key)
	}, timeout, 20*time.Millisecond, "run on %s did not finish", key)
}
