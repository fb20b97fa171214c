package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/models"
)

// Producer wire protocol: line-delimited JSON on the child's pipes.
//
// gateway -> producer (stdin):
//
//	{"type":"turn","sessionKey":...,"prompt":...,"systemPrompt":...,"externalSessionId":...}
//	{"type":"decision","id":...,"allow":true,"reason":...}
//
// producer -> gateway (stdout):
//
//	{"type":"stream","delta":...}
//	{"type":"tool_use","id":...,"name":...,"args":{...}}
//	{"type":"tool_result","id":...,"name":...,"output":...}
//	{"type":"result","output":...,"externalSessionId":...,"durationMs":...}
//	{"type":"error","kind":...,"message":...}
//
// stderr is relayed to the gateway log. A run that closes stdout without a
// terminal line is reported as producer_crash (or aborted when the run's
// context was canceled).

// maxProducerLine bounds a single protocol line; agent deltas can be large.
const maxProducerLine = 10 * 1024 * 1024

// terminateGrace is how long a canceled child may keep its pipes after
// SIGTERM before it is killed.
const terminateGrace = 5 * time.Second

// Process launches an external agent command for each run and adapts its
// line protocol to the Event contract.
type Process struct {
	command      string
	args         []string
	systemPrompt string
}

// NewProcess builds a Process producer from configuration. The command is
// required; the gateway cannot run agents without one.
func NewProcess(cfg config.ProducerConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("producer command not configured")
	}
	return &Process{command: cfg.Command, args: cfg.Args, systemPrompt: cfg.SystemPrompt}, nil
}

// Start spawns one child process for the turn. Protocol I/O happens on a
// dedicated goroutine; the returned channel closes after the terminal event.
func (p *Process) Start(ctx context.Context, turn Turn) (<-chan Event, error) {
	if turn.SystemPrompt == "" {
		turn.SystemPrompt = p.systemPrompt
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	// Ask nicely first so a well-behaved agent can flush its own
	// agent.error(aborted); the WaitDelay kill is the backstop.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminateGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("producer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("producer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("producer stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start producer %q: %w", p.command, err)
	}

	slog.Info("Producer started",
		"session_key", turn.SessionKey, "command", p.command, "pid", cmd.Process.Pid)

	events := make(chan Event)
	go relayStderr(stderr, turn.SessionKey)
	go pump(ctx, cmd, stdin, stdout, turn, events)
	return events, nil
}

// pump owns both pipes: it writes the turn and decisions to stdin and turns
// stdout lines into events. It guarantees exactly one terminal event before
// closing the channel.
func pump(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, turn Turn, events chan<- Event) {
	defer close(events)

	terminal := false
	if err := writeLine(stdin, turnMsg{
		Type:              "turn",
		SessionKey:        turn.SessionKey,
		Prompt:            turn.Prompt,
		SystemPrompt:      turn.SystemPrompt,
		ExternalSessionID: turn.ExternalSessionID,
	}); err != nil {
		_ = stdin.Close()
		_ = cmd.Wait()
		events <- &ErrorEvent{Kind: models.ErrorKindProducerCrash, Message: fmt.Sprintf("write turn: %v", err)}
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxProducerLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if terminal {
			// Keep draining so the child can exit, but one terminal
			// event is the contract.
			slog.Warn("Producer output after terminal event ignored",
				"session_key", turn.SessionKey)
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("Skipping malformed producer line",
				"session_key", turn.SessionKey, "error", err)
			continue
		}

		switch env.Type {
		case "stream":
			var msg streamMsg
			if json.Unmarshal(line, &msg) == nil {
				events <- &StreamEvent{Delta: msg.Delta}
			}

		case "tool_use":
			var msg toolUseMsg
			if json.Unmarshal(line, &msg) != nil {
				continue
			}
			respond := make(chan Decision, 1)
			events <- &ToolUseEvent{
				CallID:    msg.ID,
				Name:      msg.Name,
				Arguments: msg.Args,
				Respond:   respond,
			}
			select {
			case d := <-respond:
				if err := writeLine(stdin, decisionMsg{
					Type:   "decision",
					ID:     msg.ID,
					Allow:  d.Allow,
					Reason: d.Reason,
				}); err != nil {
					slog.Warn("Failed to write tool decision",
						"session_key", turn.SessionKey, "call_id", msg.ID, "error", err)
				}
			case <-ctx.Done():
				// The child is being torn down; it will never read
				// the decision.
			}

		case "tool_result":
			var msg toolResultMsg
			if json.Unmarshal(line, &msg) == nil {
				events <- &ToolResultEvent{CallID: msg.ID, Name: msg.Name, Output: msg.Output}
			}

		case "result":
			var msg resultMsg
			if json.Unmarshal(line, &msg) == nil {
				terminal = true
				events <- &ResultEvent{
					Output:            msg.Output,
					ExternalSessionID: msg.ExternalSessionID,
					DurationMS:        msg.DurationMS,
				}
			}

		case "error":
			var msg errorMsg
			if json.Unmarshal(line, &msg) == nil {
				terminal = true
				events <- &ErrorEvent{Kind: normalizeErrorKind(msg.Kind), Message: msg.Message}
			}

		default:
			slog.Warn("Unknown producer message type",
				"session_key", turn.SessionKey, "type", env.Type)
		}
	}
	scanErr := scanner.Err()

	_ = stdin.Close()
	waitErr := cmd.Wait()

	if terminal {
		if waitErr != nil {
			slog.Warn("Producer exited non-zero after terminal event",
				"session_key", turn.SessionKey, "error", waitErr)
		}
		return
	}

	// The stream ended without a terminal event; synthesize one.
	if ctx.Err() != nil {
		events <- &ErrorEvent{Kind: models.ErrorKindAborted, Message: "run canceled"}
		return
	}
	msg := "producer closed its event stream without a terminal event"
	switch {
	case scanErr != nil:
		msg = fmt.Sprintf("read producer output: %v", scanErr)
	case waitErr != nil:
		msg = fmt.Sprintf("producer exited: %v", waitErr)
	}
	events <- &ErrorEvent{Kind: models.ErrorKindProducerCrash, Message: msg}
}

// relayStderr copies the child's stderr into the gateway log line by line.
func relayStderr(stderr io.Reader, sessionKey string) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxProducerLine)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			slog.Debug("Producer stderr", "session_key", sessionKey, "line", string(line))
		}
	}
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func normalizeErrorKind(kind string) models.ErrorKind {
	switch k := models.ErrorKind(kind); k {
	case models.ErrorKindAborted, models.ErrorKindProducerCrash,
		models.ErrorKindTimeout, models.ErrorKindToolDenied:
		return k
	default:
		return models.ErrorKindProducerCrash
	}
}

// Inbound protocol lines.

type streamMsg struct {
	Delta string `json:"delta"`
}

type toolUseMsg struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type toolResultMsg struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output"`
}

type resultMsg struct {
	Output            string `json:"output"`
	ExternalSessionID string `json:"externalSessionId"`
	DurationMS        int64  `json:"durationMs"`
}

type errorMsg struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Outbound protocol lines.

type turnMsg struct {
	Type              string `json:"type"`
	SessionKey        string `json:"sessionKey"`
	Prompt            string `json:"prompt"`
	SystemPrompt      string `json:"systemPrompt,omitempty"`
	ExternalSessionID string `json:"externalSessionId,omitempty"`
}

type decisionMsg struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}
