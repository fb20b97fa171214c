// Package supervisor owns the lifecycle of agent runs. It enforces at most
// one run per session, pumps every producer event into the event log in
// production order, and guarantees exactly one terminal event per run.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dorabot/dorabot/pkg/approval"
	"github.com/dorabot/dorabot/pkg/eventlog"
	"github.com/dorabot/dorabot/pkg/models"
	"github.com/dorabot/dorabot/pkg/producer"
	"github.com/dorabot/dorabot/pkg/registry"
)

// ErrNoRun is returned by Abort when the session has no active run.
var ErrNoRun = errors.New("no active run for session")

// Supervisor starts and cancels agent runs. Each run gets one pump
// goroutine; two runs on different sessions proceed independently and
// interleave in the log by seq order.
type Supervisor struct {
	log       *eventlog.Log
	registry  *registry.Registry
	approvals *approval.Coordinator
	producer  producer.Producer

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	id     string
	cancel context.CancelFunc
}

// New builds a supervisor on top of the shared log, registry, and approval
// coordinator. The producer is invoked once per run.
func New(log *eventlog.Log, reg *registry.Registry, approvals *approval.Coordinator, prod producer.Producer) *Supervisor {
	return &Supervisor{
		log:       log,
		registry:  reg,
		approvals: approvals,
		producer:  prod,
		runs:      make(map[string]*run),
	}
}

// Start launches an agent run for the session and returns its run id. The
// session must already exist; a second start while a run is active fails
// with registry.ErrBusy. The user turn is persisted before the producer is
// spawned so the transcript never lags the event stream.
func (s *Supervisor) Start(ctx context.Context, sessionKey, prompt string) (string, error) {
	session, err := s.registry.Get(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if err := s.registry.AcquireRun(sessionKey); err != nil {
		return "", err
	}

	if err := s.recordUserTurn(ctx, sessionKey, prompt); err != nil {
		s.registry.ReleaseRun(sessionKey)
		return "", err
	}

	runID := uuid.New().String()
	// The run outlives the RPC that started it; its lifetime is bounded by
	// Abort or shutdown, not by the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())

	events, err := s.producer.Start(runCtx, producer.Turn{
		SessionKey:        sessionKey,
		Prompt:            prompt,
		ExternalSessionID: session.ExternalID,
	})
	if err != nil {
		cancel()
		s.registry.ReleaseRun(sessionKey)
		return "", fmt.Errorf("start producer: %w", err)
	}

	s.mu.Lock()
	s.runs[sessionKey] = &run{id: runID, cancel: cancel}
	s.mu.Unlock()

	slog.Info("Agent run started", "session_key", sessionKey, "run_id", runID)

	s.wg.Add(1)
	go s.pump(runCtx, cancel, runID, sessionKey, events)
	return runID, nil
}

// Abort cancels the session's active run. Pending approvals are denied with
// reason agent-cancel before the producer is signaled, so their refusal
// events land ahead of the terminal aborted event.
func (s *Supervisor) Abort(sessionKey string) error {
	s.mu.Lock()
	r, ok := s.runs[sessionKey]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q: %w", sessionKey, ErrNoRun)
	}

	slog.Info("Aborting agent run", "session_key", sessionKey, "run_id", r.id)
	s.approvals.CancelAllFor(sessionKey)
	r.cancel()
	return nil
}

// AbortAll cancels every active run and returns how many were signaled.
// Used on shutdown and for the client's global escape.
func (s *Supervisor) AbortAll() int {
	s.mu.Lock()
	runs := make(map[string]*run, len(s.runs))
	for key, r := range s.runs {
		runs[key] = r
	}
	s.mu.Unlock()

	for key, r := range runs {
		slog.Info("Aborting agent run", "session_key", key, "run_id", r.id)
		s.approvals.CancelAllFor(key)
		r.cancel()
	}
	return len(runs)
}

// Stop aborts all runs and waits for their terminal events to be recorded.
func (s *Supervisor) Stop() {
	s.AbortAll()
	s.wg.Wait()
}

func (s *Supervisor) recordUserTurn(ctx context.Context, sessionKey, prompt string) error {
	if err := s.registry.AppendMessage(ctx, sessionKey, models.RoleUser, prompt); err != nil {
		return err
	}
	return s.registry.IncrementMessages(ctx, sessionKey)
}

// pump drains the producer's event stream into the log. Appends use a fresh
// context: an aborted run still gets its remaining events recorded, the
// terminal one included.
func (s *Supervisor) pump(ctx context.Context, cancel context.CancelFunc, runID, sessionKey string, events <-chan producer.Event) {
	defer s.wg.Done()
	defer s.finish(sessionKey)

	appendCtx := context.Background()
	terminal := false

	for e := range events {
		if terminal {
			continue
		}

		var err error
		switch e := e.(type) {
		case *producer.StreamEvent:
			err = s.append(appendCtx, sessionKey, models.EventTypeStream,
				eventlog.StreamPayload{Delta: e.Delta})

		case *producer.ToolUseEvent:
			err = s.handleToolUse(ctx, appendCtx, sessionKey, e)

		case *producer.ToolResultEvent:
			err = s.append(appendCtx, sessionKey, models.EventTypeToolUseResult,
				eventlog.ToolUseResultPayload{CallID: e.CallID, Tool: e.Name, Output: e.Output})

		case *producer.ResultEvent:
			terminal = true
			s.recordResult(appendCtx, sessionKey, e)
			err = s.append(appendCtx, sessionKey, models.EventTypeResult,
				eventlog.ResultPayload{
					RunID:      runID,
					Output:     e.Output,
					ExternalID: e.ExternalSessionID,
					DurationMS: e.DurationMS,
				})

		case *producer.ErrorEvent:
			terminal = true
			err = s.append(appendCtx, sessionKey, models.EventTypeError,
				eventlog.ErrorPayload{RunID: runID, Kind: e.Kind, Message: e.Message})
		}

		if err != nil {
			slog.Error("Failed to persist producer event",
				"session_key", sessionKey, "run_id", runID, "error", err)
			if !terminal {
				// The run cannot continue with a broken log. Seal the
				// stream, then stop the producer.
				terminal = true
				s.appendTerminalError(appendCtx, runID, sessionKey,
					models.ErrorKindProducerCrash, "run aborted: event persistence failed")
				cancel()
			}
		}
	}

	if !terminal {
		s.appendTerminalError(appendCtx, runID, sessionKey,
			models.ErrorKindProducerCrash, "producer closed its event stream without a terminal event")
	}
}

// handleToolUse records the request, waits for the approval decision, and
// feeds it back to the producer. Every path answers on e.Respond; a producer
// is never left waiting, even when persistence fails.
func (s *Supervisor) handleToolUse(ctx, appendCtx context.Context, sessionKey string, e *producer.ToolUseEvent) error {
	if err := s.append(appendCtx, sessionKey, models.EventTypeToolUseRequest,
		eventlog.ToolUseRequestPayload{CallID: e.CallID, Tool: e.Name, Args: e.Arguments}); err != nil {
		e.Respond <- producer.Decision{Allow: false, Reason: "approval unavailable"}
		return err
	}

	d, err := s.approvals.Request(ctx, sessionKey, e.CallID, e.Name, e.Arguments)
	if err != nil {
		e.Respond <- producer.Decision{Allow: false, Reason: "approval unavailable"}
		return err
	}
	e.Respond <- producer.Decision{Allow: d.Allow, Reason: d.Reason}
	return nil
}

// recordResult updates the registry from a terminal result: the provider's
// session id and the assistant's transcript entry. Both are best effort; the
// appended agent.result event is the authoritative record.
func (s *Supervisor) recordResult(ctx context.Context, sessionKey string, e *producer.ResultEvent) {
	if e.ExternalSessionID != "" {
		if err := s.registry.SetExternalID(ctx, sessionKey, e.ExternalSessionID); err != nil {
			slog.Warn("Failed to record external session id",
				"session_key", sessionKey, "error", err)
		}
	}
	if e.Output == "" {
		return
	}
	if err := s.registry.AppendMessage(ctx, sessionKey, models.RoleAssistant, e.Output); err != nil {
		slog.Warn("Failed to persist assistant message", "session_key", sessionKey, "error", err)
		return
	}
	if err := s.registry.IncrementMessages(ctx, sessionKey); err != nil {
		slog.Warn("Failed to bump session counters", "session_key", sessionKey, "error", err)
	}
}

func (s *Supervisor) appendTerminalError(ctx context.Context, runID, sessionKey string, kind models.ErrorKind, message string) {
	err := s.append(ctx, sessionKey, models.EventTypeError,
		eventlog.ErrorPayload{RunID: runID, Kind: kind, Message: message})
	if err != nil {
		slog.Error("Failed to append terminal error event",
			"session_key", sessionKey, "run_id", runID, "error", err)
	}
}

func (s *Supervisor) append(ctx context.Context, sessionKey string, eventType models.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	_, err = s.log.Append(ctx, sessionKey, eventType, data)
	return err
}

// finish releases the run after its terminal event is recorded. Leftover
// approval records for the session are swept here.
func (s *Supervisor) finish(sessionKey string) {
	s.approvals.CancelAllFor(sessionKey)

	s.mu.Lock()
	r := s.runs[sessionKey]
	delete(s.runs, sessionKey)
	s.mu.Unlock()
	if r != nil {
		r.cancel()
	}

	s.registry.ReleaseRun(sessionKey)
	slog.Info("Agent run finished", "session_key", sessionKey)
}
