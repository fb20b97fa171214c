// Package approval parks tool invocations that need a human decision and
// routes decisions back to the blocked agent run over channels. There are no
// callbacks; the requesting goroutine owns its decision channel and every
// resolution path (decide, timeout, cancel) feeds it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/eventlog"
	"github.com/dorabot/dorabot/pkg/models"
	"github.com/dorabot/dorabot/pkg/policy"
)

// ErrNotFound is returned by Decide for an approval id that was never created.
var ErrNotFound = errors.New("approval not found")

// Deny reasons attached by the coordinator itself. Operator-supplied
// rationales pass through as-is.
const (
	ReasonTimeout      = "timeout"
	ReasonAgentCancel  = "agent-cancel"
	ReasonSessionClose = "session-close"
)

// Decision is the outcome fed back to a blocked agent run.
type Decision struct {
	Allow  bool
	Reason string
}

// pending is one parked tool invocation. decision is buffered so the single
// winning resolution never blocks.
type pending struct {
	id         string
	sessionKey string
	callID     string
	tool       string
	decision   chan Decision
	done       bool
}

// Coordinator owns all pending approvals. Resolved records stay in the table
// (marked done) so duplicate decides are recognized and ignored; the
// supervisor's end-of-run CancelAllFor sweeps them out.
type Coordinator struct {
	log      *eventlog.Log
	cfg      config.ApprovalConfig
	classify func(string, json.RawMessage) policy.Tier

	mu      sync.Mutex
	pending map[string]*pending
}

// NewCoordinator wires the coordinator to the event log it publishes
// approval traffic through.
func NewCoordinator(log *eventlog.Log, cfg config.ApprovalConfig) *Coordinator {
	return &Coordinator{
		log:      log,
		cfg:      cfg,
		classify: policy.Classify,
		pending:  make(map[string]*pending),
	}
}

// Request classifies a proposed tool invocation and blocks until it is
// decided. auto-allow returns immediately; notify publishes an approval
// event and returns allow without blocking; require-approval parks the call
// until Decide, expiry, or ctx cancellation settles it.
//
// The returned error is non-nil only for persistence failures; a denial is
// a normal Decision, not an error.
func (c *Coordinator) Request(ctx context.Context, sessionKey, callID, toolName string, args json.RawMessage) (Decision, error) {
	tier := c.classify(toolName, args)
	switch tier {
	case policy.TierAutoAllow:
		return Decision{Allow: true}, nil

	case policy.TierNotify:
		payload := eventlog.ApprovalRequestPayload{
			ApprovalID: uuid.New().String(),
			CallID:     callID,
			Tool:       toolName,
			Args:       args,
			Tier:       string(tier),
			ExpiresAt:  time.Now().Add(c.cfg.NotifyExpiry).Format(time.RFC3339Nano),
		}
		if err := c.appendApprovalRequest(ctx, sessionKey, payload); err != nil {
			return Decision{}, err
		}
		return Decision{Allow: true}, nil
	}

	p := &pending{
		id:         uuid.New().String(),
		sessionKey: sessionKey,
		callID:     callID,
		tool:       toolName,
		decision:   make(chan Decision, 1),
	}
	c.mu.Lock()
	c.pending[p.id] = p
	c.mu.Unlock()

	expiry := c.cfg.RequireApprovalExpiry
	payload := eventlog.ApprovalRequestPayload{
		ApprovalID: p.id,
		CallID:     callID,
		Tool:       toolName,
		Args:       args,
		Tier:       string(tier),
		ExpiresAt:  time.Now().Add(expiry).Format(time.RFC3339Nano),
	}
	if err := c.appendApprovalRequest(ctx, sessionKey, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, p.id)
		c.mu.Unlock()
		return Decision{}, err
	}

	slog.Info("Approval pending",
		"approval_id", p.id, "session_key", sessionKey, "tool", toolName)

	timer := time.NewTimer(expiry)
	defer timer.Stop()

	select {
	case d := <-p.decision:
		return d, nil
	case <-timer.C:
		c.resolve(p.id, Decision{Allow: false, Reason: ReasonTimeout})
		return <-p.decision, nil
	case <-ctx.Done():
		c.resolve(p.id, Decision{Allow: false, Reason: ReasonAgentCancel})
		return <-p.decision, nil
	}
}

// Decide resolves a pending approval. Unknown ids return ErrNotFound;
// deciding an already-resolved approval is a no-op. A deny appends the
// refusal event; if that append fails the decision still stands and the
// persistence error is returned.
func (c *Coordinator) Decide(approvalID string, allow bool, rationale string) error {
	c.mu.Lock()
	_, known := c.pending[approvalID]
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("approval %q: %w", approvalID, ErrNotFound)
	}
	_, err := c.resolve(approvalID, Decision{Allow: allow, Reason: rationale})
	return err
}

// CancelAllFor denies every pending approval for a session key with reason
// agent-cancel and drops their records. Called when a run ends or aborts.
func (c *Coordinator) CancelAllFor(sessionKey string) {
	c.cancelWhere(func(p *pending) bool { return p.sessionKey == sessionKey }, ReasonAgentCancel)
}

// CancelAll denies every pending approval; used on gateway shutdown.
func (c *Coordinator) CancelAll() {
	c.cancelWhere(func(*pending) bool { return true }, ReasonSessionClose)
}

// PendingCount reports how many approvals are awaiting a decision.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pending {
		if !p.done {
			n++
		}
	}
	return n
}

func (c *Coordinator) cancelWhere(match func(*pending) bool, reason string) {
	c.mu.Lock()
	var ids []string
	for id, p := range c.pending {
		if match(p) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, Decision{Allow: false, Reason: reason})
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
}

// resolve settles a pending approval exactly once. The refusal event is
// appended before the decision channel is fed so the denied tool_use_result
// precedes anything the unblocked producer emits next.
func (c *Coordinator) resolve(id string, d Decision) (bool, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.done {
		c.mu.Unlock()
		return false, nil
	}
	p.done = true
	c.mu.Unlock()

	var appendErr error
	if !d.Allow {
		appendErr = c.appendDenied(p, d.Reason)
		if appendErr != nil {
			slog.Error("Failed to append denied tool result",
				"approval_id", id, "session_key", p.sessionKey, "error", appendErr)
		}
	}

	slog.Info("Approval resolved",
		"approval_id", id, "session_key", p.sessionKey, "allow", d.Allow, "reason", d.Reason)
	p.decision <- d
	return true, appendErr
}

func (c *Coordinator) appendApprovalRequest(ctx context.Context, sessionKey string, payload eventlog.ApprovalRequestPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}
	if _, err := c.log.Append(ctx, sessionKey, models.EventTypeApprovalRequest, data); err != nil {
		return err
	}
	return nil
}

// appendDenied uses a background context: the refusal must be recorded even
// when the requesting run's context is already canceled.
func (c *Coordinator) appendDenied(p *pending, reason string) error {
	data, err := json.Marshal(eventlog.ToolUseResultPayload{
		CallID: p.callID,
		Tool:   p.tool,
		Denied: true,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("marshal denied tool result: %w", err)
	}
	_, err = c.log.Append(context.Background(), p.sessionKey, models.EventTypeToolUseResult, data)
	return err
}
