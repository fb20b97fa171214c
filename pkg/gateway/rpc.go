package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/dorabot/dorabot/pkg/models"
	"github.com/dorabot/dorabot/pkg/registry"
)

func (m *Manager) handleAuth(c *Connection, req Request) {
	var p authParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Token == "" {
		c.respondError(req.ID, invalidParams("token is required"))
		return
	}
	if !tokenMatches(m.token, p.Token) {
		slog.Warn("Rejected connection with invalid token", "connection_id", c.ID)
		c.respondError(req.ID, &WireError{
			Code:    CodeUnauthenticated,
			Message: "invalid token",
		})
		return
	}

	c.setAuthenticated()
	slog.Info("Client authenticated", "connection_id", c.ID)
	c.respond(req.ID, okResult{OK: true})
}

func (m *Manager) handleSessionsList(c *Connection, req Request) {
	sessions, err := m.registry.List(c.ctx)
	if err != nil {
		c.respondError(req.ID, wireError(err))
		return
	}
	c.respond(req.ID, listResult{Sessions: sessions})
}

// handleSubscribe registers the subscriptions, acknowledges, then replays
// history inline. Live events arriving mid-replay buffer on the connection
// and flush once the replay watermark is known, so a client sees every
// event exactly once: replayed rows first, then live deliveries in order.
func (m *Manager) handleSubscribe(c *Connection, req Request) {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil || len(p.Cursors) == 0 {
		c.respondError(req.ID, invalidParams("at least one cursor is required"))
		return
	}

	keys := make([]string, 0, len(p.Cursors))
	for _, cur := range p.Cursors {
		if cur.SessionKey == "" {
			c.respondError(req.ID, invalidParams("cursor is missing a session key"))
			return
		}
		keys = append(keys, cur.SessionKey)
	}

	c.beginReplay(keys)
	c.respond(req.ID, okResult{OK: true})
	m.replay(c, p.Cursors)
}

// replay pages persisted events to the connection and finishes with the
// per-key watermarks the buffered live frames are deduplicated against.
func (m *Manager) replay(c *Connection, cursors []models.Cursor) {
	cur := make([]models.Cursor, len(cursors))
	copy(cur, cursors)

	byKey := make(map[string]int, len(cur))
	watermarks := make(map[string]int64, len(cur))
	for i, cursor := range cur {
		byKey[cursor.SessionKey] = i
		watermarks[cursor.SessionKey] = cursor.AfterSeq
	}
	defer func() { c.finishReplay(watermarks) }()

	for {
		page, err := m.log.QueryByCursors(c.ctx, cur, m.cfg.ReplayPageSize)
		if err != nil {
			slog.Error("Replay query failed",
				"connection_id", c.ID, "error", err)
			return
		}
		for _, evt := range page {
			frame, err := marshalEventFrame(evt)
			if err != nil {
				slog.Error("Failed to marshal replayed event",
					"seq", evt.Seq, "error", err)
				continue
			}
			if !c.enqueueOrEvict(frame) {
				return
			}
			if i, ok := byKey[evt.SessionKey]; ok {
				cur[i].AfterSeq = evt.Seq
				watermarks[evt.SessionKey] = evt.Seq
			}
		}
		if len(page) < m.cfg.ReplayPageSize {
			return
		}
	}
}

func (m *Manager) handleUnsubscribe(c *Connection, req Request) {
	var p unsubscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil || len(p.SessionKeys) == 0 {
		c.respondError(req.ID, invalidParams("at least one session key is required"))
		return
	}
	c.removeSubscriptions(p.SessionKeys)
	c.respond(req.ID, okResult{OK: true})
}

func (m *Manager) handleSetActive(c *Connection, req Request) {
	var p setActiveParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionKey == "" {
		c.respondError(req.ID, invalidParams("sessionKey is required"))
		return
	}
	c.setActiveSession(p.SessionKey)
	c.respond(req.ID, okResult{OK: true})
}

func (m *Manager) handleAgentStart(c *Connection, req Request) {
	var p startParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.respondError(req.ID, invalidParams("malformed agent.start params"))
		return
	}
	if p.Prompt == "" {
		c.respondError(req.ID, invalidParams("prompt is required"))
		return
	}

	desc, werr := m.resolveDescriptor(c, p)
	if werr != nil {
		c.respondError(req.ID, werr)
		return
	}

	session, err := m.registry.GetOrCreate(c.ctx, desc)
	if err != nil {
		c.respondError(req.ID, wireError(err))
		return
	}

	runID, err := m.super.Start(c.ctx, session.Key, p.Prompt)
	if err != nil {
		c.respondError(req.ID, wireError(err))
		return
	}
	c.respond(req.ID, startResult{SessionKey: session.Key, RunID: runID})
}

// resolveDescriptor picks the target session for agent.start: an explicit
// key wins, then an explicit descriptor, then the connection's active
// session.
func (m *Manager) resolveDescriptor(c *Connection, p startParams) (models.SessionDescriptor, *WireError) {
	switch {
	case p.SessionKey != "":
		desc, err := registry.ParseKey(p.SessionKey)
		if err != nil {
			return models.SessionDescriptor{}, invalidParams(err.Error())
		}
		return desc, nil

	case p.Channel != "" || p.ChatType != "" || p.ChatID != "":
		if p.Channel == "" || p.ChatType == "" || p.ChatID == "" {
			return models.SessionDescriptor{}, invalidParams("channel, chatType, and chatId must all be set")
		}
		return models.SessionDescriptor{
			Channel:  p.Channel,
			ChatType: p.ChatType,
			ChatID:   p.ChatID,
		}, nil

	default:
		key := c.activeSessionKey()
		if key == "" {
			return models.SessionDescriptor{}, invalidParams("no session key given and no active session set")
		}
		desc, err := registry.ParseKey(key)
		if err != nil {
			return models.SessionDescriptor{}, invalidParams(err.Error())
		}
		return desc, nil
	}
}

func (m *Manager) handleAgentAbort(c *Connection, req Request) {
	var p abortParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.respondError(req.ID, invalidParams("malformed agent.abort params"))
			return
		}
	}

	// No session key means the global escape hatch: stop everything.
	if p.SessionKey == "" {
		aborted := m.super.AbortAll()
		slog.Info("Global abort requested", "connection_id", c.ID, "aborted", aborted)
		c.respond(req.ID, abortResult{Aborted: aborted})
		return
	}

	if err := m.super.Abort(p.SessionKey); err != nil {
		c.respondError(req.ID, wireError(err))
		return
	}
	c.respond(req.ID, abortResult{Aborted: 1})
}

func (m *Manager) handleApprovalDecide(c *Connection, req Request) {
	var p decideParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ApprovalID == "" {
		c.respondError(req.ID, invalidParams("approvalId is required"))
		return
	}
	if err := m.approvals.Decide(p.ApprovalID, p.Allow, p.Reason); err != nil {
		c.respondError(req.ID, wireError(err))
		return
	}
	c.respond(req.ID, okResult{OK: true})
}

func (m *Manager) handleAck(c *Connection, req Request) {
	var p ackParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Seq < 0 {
		c.respondError(req.ID, invalidParams("seq must be a non-negative integer"))
		return
	}
	c.advanceAck(p.Seq)
	c.respond(req.ID, okResult{OK: true})
}
