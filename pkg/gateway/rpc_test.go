package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorabot/dorabot/pkg/eventlog"
	"github.com/dorabot/dorabot/pkg/models"
	"github.com/dorabot/dorabot/pkg/producer"
)

func TestSessionsListReflectsRegistry(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	mustSession(t, gw.registry, "1")
	mustSession(t, gw.registry, "2")

	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	var result listResult
	c.callOK("sessions.list", nil, &result)
	require.Len(t, result.Sessions, 2)

	keys := []string{result.Sessions[0].Key, result.Sessions[1].Key}
	assert.Contains(t, keys, "telegram:direct:1")
	assert.Contains(t, keys, "telegram:direct:2")
}

func TestAgentStartStreamsRunEvents(t *testing.T) {
	script := &producer.Script{Steps: []producer.Event{
		&producer.StreamEvent{Delta: "Working on it."},
		&producer.ResultEvent{Output: "All done.", ExternalSessionID: "ext-1", DurationMS: 30},
	}}
	gw := newTestGateway(t, script, nil)

	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)
	c.subscribe(models.Cursor{SessionKey: "telegram:direct:42", AfterSeq: 0})

	var started startResult
	c.callOK("agent.start", startParams{
		Channel:  "telegram",
		ChatType: "direct",
		ChatID:   "42",
		Prompt:   "do the thing",
	}, &started)
	assert.Equal(t, "telegram:direct:42", started.SessionKey)
	assert.NotEmpty(t, started.RunID)

	evt := c.nextEvent()
	require.Equal(t, models.EventTypeStream, evt.EventType)
	var stream eventlog.StreamPayload
	require.NoError(t, json.Unmarshal(evt.Data, &stream))
	assert.Equal(t, "Working on it.", stream.Delta)

	evt = c.nextEvent()
	require.Equal(t, models.EventTypeResult, evt.EventType)
	var result eventlog.ResultPayload
	require.NoError(t, json.Unmarshal(evt.Data, &result))
	assert.Equal(t, started.RunID, result.RunID)
	assert.Equal(t, "All done.", result.Output)

	// The provider session id was recorded for the next turn to resume.
	session, err := gw.registry.Get(context.Background(), started.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", session.ExternalID)
}

func TestAgentStartUsesActiveSession(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	c.callOK("sessions.set-active", setActiveParams{SessionKey: "telegram:direct:9"}, nil)

	var started startResult
	c.callOK("agent.start", startParams{Prompt: "ping"}, &started)
	assert.Equal(t, "telegram:direct:9", started.SessionKey)
}

func TestAgentStartValidation(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	tests := []struct {
		name   string
		params startParams
	}{
		{"missing prompt", startParams{SessionKey: "telegram:direct:1"}},
		{"no session and no active", startParams{Prompt: "hi"}},
		{"malformed session key", startParams{Prompt: "hi", SessionKey: "not-a-key"}},
		{"partial descriptor", startParams{Prompt: "hi", Channel: "telegram", ChatType: "direct"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			werr := c.callErr("agent.start", tt.params)
			assert.Equal(t, CodeInvalidParams, werr.Code)
		})
	}
}

func TestAgentStartWhileBusyReturnsBusy(t *testing.T) {
	script := &producer.Script{
		Steps:              []producer.Event{&producer.ResultEvent{Output: "done"}},
		HangBeforeTerminal: true,
	}
	gw := newTestGateway(t, script, nil)

	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	c.callOK("agent.start", startParams{SessionKey: "telegram:direct:5", Prompt: "first"}, nil)

	werr := c.callErr("agent.start", startParams{SessionKey: "telegram:direct:5", Prompt: "second"})
	assert.Equal(t, CodeBusy, werr.Code)

	var aborted abortResult
	c.callOK("agent.abort", abortParams{SessionKey: "telegram:direct:5"}, &aborted)
	assert.Equal(t, 1, aborted.Aborted)
}

func TestAgentAbortGlobalEscape(t *testing.T) {
	script := &producer.Script{
		Steps:              []producer.Event{&producer.ResultEvent{Output: "done"}},
		HangBeforeTerminal: true,
	}
	gw := newTestGateway(t, script, nil)

	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	c.callOK("agent.start", startParams{SessionKey: "telegram:direct:1", Prompt: "one"}, nil)
	c.callOK("agent.start", startParams{SessionKey: "telegram:direct:2", Prompt: "two"}, nil)

	var aborted abortResult
	c.callOK("agent.abort", nil, &aborted)
	assert.Equal(t, 2, aborted.Aborted)

	require.Eventually(t, func() bool {
		return !gw.registry.HasActiveRun("telegram:direct:1") &&
			!gw.registry.HasActiveRun("telegram:direct:2")
	}, 5*time.Second, 20*time.Millisecond)

	// Nothing left to abort.
	c.callOK("agent.abort", nil, &aborted)
	assert.Equal(t, 0, aborted.Aborted)
}

func TestAgentAbortUnknownSession(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	werr := c.callErr("agent.abort", abortParams{SessionKey: "telegram:direct:404"})
	assert.Equal(t, CodeNotFound, werr.Code)
}

func TestApprovalDecideDeniesTool(t *testing.T) {
	script := &producer.Script{Steps: []producer.Event{
		&producer.ToolUseEvent{
			CallID:    "call-1",
			Name:      "bash",
			Arguments: json.RawMessage(`{"command":"rm -rf /tmp/scratch"}`),
		},
		&producer.ToolResultEvent{CallID: "call-1", Name: "bash", Output: json.RawMessage(`{"stdout":""}`)},
		&producer.ResultEvent{Output: "skipped it"},
	}}
	gw := newTestGateway(t, script, nil)

	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)
	c.subscribe(models.Cursor{SessionKey: "telegram:direct:3", AfterSeq: 0})
	c.callOK("agent.start", startParams{SessionKey: "telegram:direct:3", Prompt: "clean up"}, nil)

	evt := c.nextEvent()
	require.Equal(t, models.EventTypeToolUseRequest, evt.EventType)

	evt = c.nextEvent()
	require.Equal(t, models.EventTypeApprovalRequest, evt.EventType)
	var approvalReq eventlog.ApprovalRequestPayload
	require.NoError(t, json.Unmarshal(evt.Data, &approvalReq))
	require.NotEmpty(t, approvalReq.ApprovalID)
	assert.Equal(t, "bash", approvalReq.Tool)

	c.callOK("agent.approval.decide", decideParams{
		ApprovalID: approvalReq.ApprovalID,
		Allow:      false,
		Reason:     "not on this machine",
	}, nil)

	evt = c.nextEvent()
	require.Equal(t, models.EventTypeToolUseResult, evt.EventType)
	var toolResult eventlog.ToolUseResultPayload
	require.NoError(t, json.Unmarshal(evt.Data, &toolResult))
	assert.True(t, toolResult.Denied)
	assert.Equal(t, "not on this machine", toolResult.Reason)

	evt = c.nextEvent()
	assert.Equal(t, models.EventTypeResult, evt.EventType)

	// Once the run is released its approval records are swept.
	require.Eventually(t, func() bool {
		return !gw.registry.HasActiveRun("telegram:direct:3")
	}, 5*time.Second, 10*time.Millisecond)
	werr := c.callErr("agent.approval.decide", decideParams{
		ApprovalID: approvalReq.ApprovalID,
		Allow:      true,
	})
	assert.Equal(t, CodeNotFound, werr.Code)
}

func TestApprovalDecideUnknownID(t *testing.T) {
	gw := newTestGateway(t, nil, nil)
	c := dialGateway(t, gw.wsURL)
	c.auth(testToken)

	werr := c.callErr("agent.approval.decide", decideParams{ApprovalID: "no-such-id", Allow: true})
	assert.Equal(t, CodeNotFound, werr.Code)
}

func TestEventsAckTracksRetentionWatermark(t *testing.T) {
	gw := newTestGateway(t, nil, nil)

	minSeq, clients := gw.manager.MinAckedSeq()
	assert.Equal(t, int64(0), minSeq)
	assert.Equal(t, 0, clients)

	c1 := dialGateway(t, gw.wsURL)
	c1.auth(testToken)
	c2 := dialGateway(t, gw.wsURL)
	c2.auth(testToken)

	minSeq, clients = gw.manager.MinAckedSeq()
	assert.Equal(t, int64(0), minSeq)
	assert.Equal(t, 2, clients)

	c1.callOK("events.ack", ackParams{Seq: 40}, nil)
	minSeq, _ = gw.manager.MinAckedSeq()
	assert.Equal(t, int64(0), minSeq, "the other client has acked nothing")

	c2.callOK("events.ack", ackParams{Seq: 25}, nil)
	minSeq, _ = gw.manager.MinAckedSeq()
	assert.Equal(t, int64(25), minSeq)

	// Acks never regress.
	c2.callOK("events.ack", ackParams{Seq: 10}, nil)
	minSeq, _ = gw.manager.MinAckedSeq()
	assert.Equal(t, int64(25), minSeq)

	werr := c1.callErr("events.ack", ackParams{Seq: -1})
	assert.Equal(t, CodeInvalidParams, werr.Code)
}
