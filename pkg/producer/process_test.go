package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/models"
)

func TestNewProcessRequiresCommand(t *testing.T) {
	_, err := NewProcess(config.ProducerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")

	p, err := NewProcess(config.ProducerConfig{Command: "/bin/true"})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNormalizeErrorKind(t *testing.T) {
	tests := []struct {
		in   string
		want models.ErrorKind
	}{
		{"aborted", models.ErrorKindAborted},
		{"producer_crash", models.ErrorKindProducerCrash},
		{"timeout", models.ErrorKindTimeout},
		{"tool_denied", models.ErrorKindToolDenied},
		{"segfault", models.ErrorKindProducerCrash},
		{"", models.ErrorKindProducerCrash},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeErrorKind(tt.in), "kind %q", tt.in)
	}
}

func TestWriteLineAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	err := writeLine(&buf, decisionMsg{Type: "decision", ID: "call-1", Allow: true})
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"))
	require.Equal(t, 1, strings.Count(out, "\n"))
	assert.JSONEq(t, `{"type":"decision","id":"call-1","allow":true}`, strings.TrimSpace(out))
}

func TestTurnMessageWireShape(t *testing.T) {
	data, err := json.Marshal(turnMsg{
		Type:              "turn",
		SessionKey:        "telegram:direct:42",
		Prompt:            "hello",
		SystemPrompt:      "be brief",
		ExternalSessionID: "ext-9",
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"turn","sessionKey":"telegram:direct:42","prompt":"hello","systemPrompt":"be brief","externalSessionId":"ext-9"}`,
		string(data))

	// A fresh session has no external id and no standing instructions; both
	// fields stay off the wire.
	data, err = json.Marshal(turnMsg{Type: "turn", SessionKey: "telegram:direct:42", Prompt: "hi"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "externalSessionId")
	assert.NotContains(t, string(data), "systemPrompt")
}

// writeScript drops a shell script into a temp dir and returns a producer
// that runs it via /bin/sh with the given extra arguments.
func writeScript(t *testing.T, body string, extraArgs ...string) *Process {
	t.Helper()
	path := filepath.Join(t.TempDir(), "producer.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))

	p, err := NewProcess(config.ProducerConfig{
		Command: "/bin/sh",
		Args:    append([]string{path}, extraArgs...),
	})
	require.NoError(t, err)
	return p
}

func TestProcessHappyPath(t *testing.T) {
	turnFile := filepath.Join(t.TempDir(), "turn.json")
	p := writeScript(t, `
read -r turn
printf '%s\n' "$turn" > "$1"
printf '%s\n' '{"type":"stream","delta":"hello "}'
printf '%s\n' '{"type":"stream","delta":"world"}'
printf '%s\n' '{"type":"result","output":"hello world","externalSessionId":"ext-1","durationMs":5}'
`, turnFile)

	events, err := p.Start(context.Background(), Turn{
		SessionKey: "telegram:direct:42",
		Prompt:     "say hello",
	})
	require.NoError(t, err)

	first := next(t, events)
	require.IsType(t, &StreamEvent{}, first)
	assert.Equal(t, "hello ", first.(*StreamEvent).Delta)

	second := next(t, events)
	require.IsType(t, &StreamEvent{}, second)
	assert.Equal(t, "world", second.(*StreamEvent).Delta)

	terminal := next(t, events)
	require.IsType(t, &ResultEvent{}, terminal)
	result := terminal.(*ResultEvent)
	assert.Equal(t, "hello world", result.Output)
	assert.Equal(t, "ext-1", result.ExternalSessionID)
	assert.Equal(t, int64(5), result.DurationMS)

	requireClosed(t, events)

	// The child saw the turn exactly as specified by the protocol.
	raw, err := os.ReadFile(turnFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"turn","sessionKey":"telegram:direct:42","prompt":"say hello"}`,
		strings.TrimSpace(string(raw)))
}

func TestProcessAppliesConfiguredSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "producer.sh")
	turnFile := filepath.Join(dir, "turn.json")
	require.NoError(t, os.WriteFile(script, []byte(`
read -r turn
printf '%s\n' "$turn" > "$1"
printf '%s\n' '{"type":"result","output":"ok"}'
`), 0o755))

	p, err := NewProcess(config.ProducerConfig{
		Command:      "/bin/sh",
		Args:         []string{script, turnFile},
		SystemPrompt: "answer in one sentence",
	})
	require.NoError(t, err)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:sys", Prompt: "hi"})
	require.NoError(t, err)
	require.IsType(t, &ResultEvent{}, next(t, events))
	requireClosed(t, events)

	raw, err := os.ReadFile(turnFile)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"turn","sessionKey":"test:direct:sys","prompt":"hi","systemPrompt":"answer in one sentence"}`,
		strings.TrimSpace(string(raw)))
}

func TestProcessDecisionRoundTrip(t *testing.T) {
	decisionFile := filepath.Join(t.TempDir(), "decision.json")
	p := writeScript(t, `
read -r turn
printf '%s\n' '{"type":"tool_use","id":"call-1","name":"bash","args":{"command":"ls"}}'
read -r decision
printf '%s\n' "$decision" > "$1"
printf '%s\n' '{"type":"tool_result","id":"call-1","name":"bash","output":{"files":["a"]}}'
printf '%s\n' '{"type":"result","output":"listed"}'
`, decisionFile)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:tools", Prompt: "ls"})
	require.NoError(t, err)

	use := next(t, events)
	require.IsType(t, &ToolUseEvent{}, use)
	toolUse := use.(*ToolUseEvent)
	assert.Equal(t, "call-1", toolUse.CallID)
	assert.Equal(t, "bash", toolUse.Name)
	assert.JSONEq(t, `{"command":"ls"}`, string(toolUse.Arguments))
	require.NotNil(t, toolUse.Respond)

	toolUse.Respond <- Decision{Allow: true}

	res := next(t, events)
	require.IsType(t, &ToolResultEvent{}, res)
	assert.JSONEq(t, `{"files":["a"]}`, string(res.(*ToolResultEvent).Output))

	require.IsType(t, &ResultEvent{}, next(t, events))
	requireClosed(t, events)

	raw, err := os.ReadFile(decisionFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"decision","id":"call-1","allow":true}`,
		strings.TrimSpace(string(raw)))
}

func TestProcessDeniedDecisionOnWire(t *testing.T) {
	decisionFile := filepath.Join(t.TempDir(), "decision.json")
	p := writeScript(t, `
read -r turn
printf '%s\n' '{"type":"tool_use","id":"call-2","name":"bash","args":{"command":"rm -rf /"}}'
read -r decision
printf '%s\n' "$decision" > "$1"
printf '%s\n' '{"type":"result","output":"skipped it"}'
`, decisionFile)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:deny", Prompt: "clean up"})
	require.NoError(t, err)

	use := next(t, events).(*ToolUseEvent)
	use.Respond <- Decision{Allow: false, Reason: "user denied"}

	require.IsType(t, &ResultEvent{}, next(t, events))
	requireClosed(t, events)

	raw, err := os.ReadFile(decisionFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"decision","id":"call-2","allow":false,"reason":"user denied"}`,
		strings.TrimSpace(string(raw)))
}

func TestProcessCrashSynthesizesTerminal(t *testing.T) {
	p := writeScript(t, `
read -r turn
printf '%s\n' '{"type":"stream","delta":"partial"}'
exit 3
`)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:crash", Prompt: "boom"})
	require.NoError(t, err)

	require.IsType(t, &StreamEvent{}, next(t, events))

	terminal := next(t, events)
	require.IsType(t, &ErrorEvent{}, terminal)
	errEvent := terminal.(*ErrorEvent)
	assert.Equal(t, models.ErrorKindProducerCrash, errEvent.Kind)
	assert.Contains(t, errEvent.Message, "exit status 3")
	requireClosed(t, events)
}

func TestProcessCleanExitWithoutTerminal(t *testing.T) {
	p := writeScript(t, `
read -r turn
printf '%s\n' '{"type":"stream","delta":"and then nothing"}'
`)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:eof", Prompt: "hi"})
	require.NoError(t, err)

	require.IsType(t, &StreamEvent{}, next(t, events))

	terminal := next(t, events)
	require.IsType(t, &ErrorEvent{}, terminal)
	errEvent := terminal.(*ErrorEvent)
	assert.Equal(t, models.ErrorKindProducerCrash, errEvent.Kind)
	assert.Contains(t, errEvent.Message, "without a terminal event")
	requireClosed(t, events)
}

func TestProcessAbortOnContextCancel(t *testing.T) {
	// Redirect the sleep away from stdout so the pipe closes with the shell.
	p := writeScript(t, `
read -r turn
printf '%s\n' '{"type":"stream","delta":"working"}'
sleep 60 </dev/null >/dev/null 2>&1
`)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := p.Start(ctx, Turn{SessionKey: "test:direct:abort", Prompt: "never finish"})
	require.NoError(t, err)

	require.IsType(t, &StreamEvent{}, next(t, events))

	cancel()

	terminal := next(t, events)
	require.IsType(t, &ErrorEvent{}, terminal)
	assert.Equal(t, models.ErrorKindAborted, terminal.(*ErrorEvent).Kind)
	requireClosed(t, events)
}

func TestProcessSkipsMalformedLines(t *testing.T) {
	p := writeScript(t, `
read -r turn
printf '%s\n' 'this is not json'
printf '%s\n' '{"type":"no_such_type","x":1}'
printf '%s\n' ''
printf '%s\n' '{"type":"result","output":"ok"}'
`)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:garbage", Prompt: "hi"})
	require.NoError(t, err)

	terminal := next(t, events)
	require.IsType(t, &ResultEvent{}, terminal)
	assert.Equal(t, "ok", terminal.(*ResultEvent).Output)
	requireClosed(t, events)
}

func TestProcessIgnoresOutputAfterTerminal(t *testing.T) {
	p := writeScript(t, `
read -r turn
printf '%s\n' '{"type":"result","output":"done"}'
printf '%s\n' '{"type":"stream","delta":"straggler"}'
`)

	events, err := p.Start(context.Background(), Turn{SessionKey: "test:direct:late", Prompt: "hi"})
	require.NoError(t, err)

	require.IsType(t, &ResultEvent{}, next(t, events))
	requireClosed(t, events)
}
