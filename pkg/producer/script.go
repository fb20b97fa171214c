package producer

import (
	"context"
	"sync"

	"github.com/dorabot/dorabot/pkg/models"
)

// Script is an in-process Producer that replays a fixed sequence of events.
// It exists for tests and for exercising the gateway without a real agent:
// tool-use events block on their decision exactly like the subprocess
// producer, and the recorded decisions can be asserted on afterwards.
type Script struct {
	// Steps are emitted in order. ToolUseEvent steps may leave Respond
	// nil; Script installs its own channel and records the decision. A
	// denied tool use skips an immediately following ToolResultEvent
	// with the same call id, since no side effect happened.
	Steps []Event

	// HangBeforeTerminal, when set, stops the run before its terminal
	// event until the context is canceled, simulating a long agent turn.
	HangBeforeTerminal bool

	mu        sync.Mutex
	decisions []Decision
	started   int
}

// Start replays the scripted events on a fresh channel.
func (s *Script) Start(ctx context.Context, _ Turn) (<-chan Event, error) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()

	events := make(chan Event)
	go s.replay(ctx, events)
	return events, nil
}

func (s *Script) replay(ctx context.Context, events chan<- Event) {
	defer close(events)

	abort := func() {
		events <- &ErrorEvent{Kind: models.ErrorKindAborted, Message: "run canceled"}
	}

	for i := 0; i < len(s.Steps); i++ {
		step := s.Steps[i]

		if s.HangBeforeTerminal && IsTerminal(step) {
			<-ctx.Done()
			abort()
			return
		}

		if use, ok := step.(*ToolUseEvent); ok && use.Respond == nil {
			respond := make(chan Decision, 1)
			emitted := *use
			emitted.Respond = respond
			events <- &emitted

			select {
			case d := <-respond:
				s.mu.Lock()
				s.decisions = append(s.decisions, d)
				s.mu.Unlock()
				if !d.Allow && i+1 < len(s.Steps) {
					if res, isResult := s.Steps[i+1].(*ToolResultEvent); isResult && res.CallID == use.CallID {
						i++
					}
				}
			case <-ctx.Done():
				abort()
				return
			}
			continue
		}

		select {
		case events <- step:
		case <-ctx.Done():
			abort()
			return
		}
	}
}

// Decisions returns the tool decisions received so far.
func (s *Script) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Started reports how many runs were launched from this script.
func (s *Script) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
