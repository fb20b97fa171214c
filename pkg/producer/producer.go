// Package producer defines the contract between the gateway and an agent
// producer: one run is a lazy, finite, non-restartable sequence of typed
// events ending in exactly one terminal element.
package producer

import (
	"context"
	"encoding/json"

	"github.com/dorabot/dorabot/pkg/models"
)

// Turn is one user invocation handed to a producer.
type Turn struct {
	SessionKey string
	Prompt     string
	// SystemPrompt is optional standing instructions for the agent. When
	// empty, a producer may substitute its configured default.
	SystemPrompt string
	// ExternalSessionID resumes the provider-side conversation from an
	// earlier run, when one is known.
	ExternalSessionID string
}

// Producer starts agent runs. The returned channel yields the run's events
// and is closed after the terminal event. The consumer must drain the
// channel until it closes; sends are blocking so event order is preserved.
// Cancelling ctx makes the run wind down promptly with ErrorEvent(aborted).
type Producer interface {
	Start(ctx context.Context, turn Turn) (<-chan Event, error)
}

// Decision answers a ToolUseEvent. A deny obliges the producer to skip the
// side effect.
type Decision struct {
	Allow  bool
	Reason string
}

// Event is the interface for all producer event types.
type Event interface {
	eventType() EventType
}

// EventType identifies the kind of producer event.
type EventType string

const (
	EventTypeStream     EventType = "stream"
	EventTypeToolUse    EventType = "tool_use"
	EventTypeToolResult EventType = "tool_result"
	EventTypeResult     EventType = "result"
	EventTypeError      EventType = "error"
)

// StreamEvent carries incremental assistant output.
type StreamEvent struct{ Delta string }

// ToolUseEvent proposes a tool invocation. The consumer must send exactly
// one Decision on Respond; the producer blocks until it arrives.
type ToolUseEvent struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
	Respond   chan<- Decision
}

// ToolResultEvent reports the outcome of an executed tool call.
type ToolResultEvent struct {
	CallID string
	Name   string
	Output json.RawMessage
}

// ResultEvent is the successful terminal event.
type ResultEvent struct {
	Output            string
	ExternalSessionID string
	DurationMS        int64
}

// ErrorEvent is the failing terminal event.
type ErrorEvent struct {
	Kind    models.ErrorKind
	Message string
}

func (e *StreamEvent) eventType() EventType     { return EventTypeStream }
func (e *ToolUseEvent) eventType() EventType    { return EventTypeToolUse }
func (e *ToolResultEvent) eventType() EventType { return EventTypeToolResult }
func (e *ResultEvent) eventType() EventType     { return EventTypeResult }
func (e *ErrorEvent) eventType() EventType      { return EventTypeError }

// IsTerminal reports whether an event ends the run.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case *ResultEvent, *ErrorEvent:
		return true
	default:
		return false
	}
}
