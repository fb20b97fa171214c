package eventlog

import (
	"encoding/json"

	"github.com/dorabot/dorabot/pkg/models"
)

// Payload structs for the events the gateway composes itself. Producer
// payloads pass through the log as opaque bytes; these types exist for the
// supervisor and approval coordinator, and for clients of the wire protocol.

// StreamPayload is the payload for agent.stream events.
type StreamPayload struct {
	Delta string `json:"delta"` // incremental output text
}

// ToolUseRequestPayload is the payload for agent.tool_use_request events.
type ToolUseRequestPayload struct {
	CallID string          `json:"callId"` // producer-assigned tool call id
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolUseResultPayload is the payload for agent.tool_use_result events.
// Denied results are appended by the approval coordinator; executed results
// come from the producer.
type ToolUseResultPayload struct {
	CallID string          `json:"callId,omitempty"`
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
	Denied bool            `json:"denied,omitempty"`
	Reason string          `json:"reason,omitempty"` // deny rationale, "timeout", "agent-cancel", "session-close"
}

// ApprovalRequestPayload is the payload for agent.approval_request events.
// Any subscriber (desktop, chat channel) can surface it and decide.
type ApprovalRequestPayload struct {
	ApprovalID string          `json:"approvalId"`
	CallID     string          `json:"callId,omitempty"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
	Tier       string          `json:"tier"`
	ExpiresAt  string          `json:"expiresAt,omitempty"` // RFC3339Nano
}

// ResultPayload is the payload for terminal agent.result events.
type ResultPayload struct {
	RunID      string `json:"runId"`
	Output     string `json:"output"`
	ExternalID string `json:"externalId,omitempty"` // provider-assigned session id
	DurationMS int64  `json:"durationMs,omitempty"`
}

// ErrorPayload is the payload for terminal agent.error events.
type ErrorPayload struct {
	RunID   string           `json:"runId,omitempty"`
	Kind    models.ErrorKind `json:"kind"` // aborted, producer_crash, timeout, tool_denied
	Message string           `json:"message,omitempty"`
}
