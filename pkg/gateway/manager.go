package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dorabot/dorabot/pkg/approval"
	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/eventlog"
	"github.com/dorabot/dorabot/pkg/models"
	"github.com/dorabot/dorabot/pkg/registry"
	"github.com/dorabot/dorabot/pkg/supervisor"
)

// Manager owns every WebSocket connection: authentication, RPC dispatch,
// subscription replay, and the live event fan-out from the log.
type Manager struct {
	cfg       *config.GatewayConfig
	token     string
	log       *eventlog.Log
	registry  *registry.Registry
	super     *supervisor.Supervisor
	approvals *approval.Coordinator

	mu    sync.RWMutex
	conns map[string]*Connection

	unsubscribe func()
}

// NewManager wires the manager into the event log's live feed. Close
// detaches it again.
func NewManager(cfg *config.GatewayConfig, token string, log *eventlog.Log, reg *registry.Registry, super *supervisor.Supervisor, approvals *approval.Coordinator) *Manager {
	m := &Manager{
		cfg:       cfg,
		token:     token,
		log:       log,
		registry:  reg,
		super:     super,
		approvals: approvals,
		conns:     make(map[string]*Connection),
	}
	m.unsubscribe = log.Subscribe(m.broadcast)
	return m
}

// HandleConnection runs one client's read loop. Called by the WebSocket
// handler after the upgrade; blocks until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	c := newConnection(parentCtx, conn, m.cfg.OutboundQueueSize)

	m.register(c)
	defer m.unregister(c)

	go c.writeLoop(m.cfg.WriteTimeout)

	// Unauthenticated connections get a short grace window to present the
	// token, then they are cut.
	grace := time.AfterFunc(m.cfg.AuthGrace, func() {
		if !c.isAuthenticated() {
			slog.Info("Closing unauthenticated connection after grace window",
				"connection_id", c.ID)
			c.fail(websocket.StatusPolicyViolation, CodeUnauthenticated)
		}
	})
	defer grace.Stop()

	slog.Info("Client connected", "connection_id", c.ID)

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		m.dispatch(c, data)
	}
}

// broadcast fans one appended event out to subscribed connections. It runs
// on the appending goroutine under the log's publish ordering, so it must
// stay non-blocking: buffering and queue handoff only, never a socket write.
func (m *Manager) broadcast(evt models.StreamEvent) {
	frame, err := marshalEventFrame(evt)
	if err != nil {
		slog.Error("Failed to marshal event notification",
			"seq", evt.Seq, "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.deliverLive(evt.SessionKey, evt.Seq, frame)
	}
}

// MinAckedSeq returns the lowest acknowledged seq across connected clients
// and how many clients there are. With zero clients the sweeper needs no
// guard; with any client at zero, retention must hold off entirely.
func (m *Manager) MinAckedSeq() (int64, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.conns) == 0 {
		return 0, 0
	}
	var minAck int64 = -1
	for _, c := range m.conns {
		if ack := c.ackSeq.Load(); minAck < 0 || ack < minAck {
			minAck = ack
		}
	}
	return minAck, len(m.conns)
}

// ActiveConnections returns the number of connected clients.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close detaches the manager from the log and drops every connection.
// Used on shutdown.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.fail(websocket.StatusGoingAway, "gateway shutting down")
	}
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	m.mu.Unlock()

	code, reason := c.closeStatus()
	c.cancel()
	_ = c.conn.Close(code, reason)
	slog.Info("Client disconnected", "connection_id", c.ID, "close_code", code)
}

// dispatch routes one request frame. Runs on the connection's read loop;
// handlers that replay run inline, serializing RPCs per connection the same
// way the log serializes appends.
func (m *Manager) dispatch(c *Connection, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.respondError(nil, invalidParams("malformed request frame"))
		return
	}
	if req.Method == "" {
		c.respondError(req.ID, invalidParams("method is required"))
		return
	}

	if req.Method == "auth" {
		m.handleAuth(c, req)
		return
	}
	if !c.isAuthenticated() {
		// The grace timer handles closing; the client still learns why
		// its call failed.
		c.respondError(req.ID, &WireError{
			Code:    CodeUnauthenticated,
			Message: "auth required before any other method",
		})
		return
	}

	switch req.Method {
	case "sessions.list":
		m.handleSessionsList(c, req)
	case "sessions.subscribe":
		m.handleSubscribe(c, req)
	case "sessions.unsubscribe":
		m.handleUnsubscribe(c, req)
	case "sessions.set-active":
		m.handleSetActive(c, req)
	case "agent.start":
		m.handleAgentStart(c, req)
	case "agent.abort":
		m.handleAgentAbort(c, req)
	case "agent.approval.decide":
		m.handleApprovalDecide(c, req)
	case "events.ack":
		m.handleAck(c, req)
	default:
		c.respondError(req.ID, &WireError{
			Code:    CodeUnknownMethod,
			Message: "unknown method " + req.Method,
		})
	}
}
