package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of stream event.
type EventType string

// Stream event types. agent.result and agent.error are terminal: every run
// appends exactly one of them as its last event.
const (
	EventTypeStream          EventType = "agent.stream"
	EventTypeToolUseRequest  EventType = "agent.tool_use_request"
	EventTypeToolUseResult   EventType = "agent.tool_use_result"
	EventTypeApprovalRequest EventType = "agent.approval_request"
	EventTypeResult          EventType = "agent.result"
	EventTypeError           EventType = "agent.error"
)

// ErrorKind classifies a terminal agent.error event.
type ErrorKind string

const (
	ErrorKindAborted       ErrorKind = "aborted"
	ErrorKindProducerCrash ErrorKind = "producer_crash"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindToolDenied    ErrorKind = "tool_denied"
)

// StreamEvent is one append-only row of the event log. Seq is assigned at
// append time, is globally unique across sessions, and is the sole ordering
// primitive. Data is opaque JSON owned by the producer; the gateway forwards
// it unchanged.
type StreamEvent struct {
	Seq        int64           `json:"seq"`
	SessionKey string          `json:"sessionKey"`
	Type       EventType       `json:"eventType"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Cursor is a per-session replay position with strictly-after semantics:
// AfterSeq = k excludes seq = k.
type Cursor struct {
	SessionKey string `json:"sessionKey"`
	AfterSeq   int64  `json:"afterSeq"`
}
