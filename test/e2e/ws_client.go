package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dorabot/dorabot/pkg/models"
)

// WSEvent is one event notification as seen on the wire.
type WSEvent struct {
	SessionKey string
	Seq        int64
	EventType  models.EventType
	Data       json.RawMessage
	Received   time.Time
}

// RPCError is the error half of a response frame.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcReply struct {
	result json.RawMessage
	err    *RPCError
}

// WSClient speaks the gateway protocol over a live connection. A background
// reader collects event notifications and routes responses to their callers,
// so events pushed between request and response are never lost.
type WSClient struct {
	t      *testing.T
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	events  []WSEvent
	replies map[string]chan rpcReply
	readErr error
	nextID  int
}

// Connect dials the gateway and starts the background reader. The connection
// is torn down with the test.
func Connect(t *testing.T, app *TestApp) *WSClient {
	t.Helper()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, app.WSURL, &websocket.DialOptions{
		HTTPClient: app.HTTPClient(),
	})
	require.NoError(t, err, "dial %s", app.WSURL)

	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		t:       t,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		replies: make(map[string]chan rpcReply),
	}
	go c.readLoop()

	t.Cleanup(c.Close)
	return c
}

// Close ends the connection. Safe to call more than once.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "test done")
	<-c.done
}

// readLoop collects frames until the connection dies.
func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		var frame struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
			Params struct {
				SessionKey string           `json:"sessionKey"`
				Seq        int64            `json:"seq"`
				EventType  models.EventType `json:"eventType"`
				Data       json.RawMessage  `json:"data"`
			} `json:"params"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Method == "event" {
			c.mu.Lock()
			c.events = append(c.events, WSEvent{
				SessionKey: frame.Params.SessionKey,
				Seq:        frame.Params.Seq,
				EventType:  frame.Params.EventType,
				Data:       frame.Params.Data,
				Received:   time.Now(),
			})
			c.mu.Unlock()
			continue
		}

		var id string
		if json.Unmarshal(frame.ID, &id) != nil {
			continue
		}
		c.mu.Lock()
		ch := c.replies[id]
		delete(c.replies, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- rpcReply{result: frame.Result, err: frame.Error}
		}
	}
}

// Call sends one request and waits for its response.
func (c *WSClient) Call(method string, params any) (json.RawMessage, *RPCError) {
	c.t.Helper()

	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("e2e-%d", c.nextID)
	ch := make(chan rpcReply, 1)
	c.replies[id] = ch
	c.mu.Unlock()

	frame := map[string]any{"id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)

	writeCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(writeCtx, websocket.MessageText, data), "write %s", method)

	select {
	case reply := <-ch:
		return reply.result, reply.err
	case <-time.After(10 * time.Second):
		c.t.Fatalf("timed out waiting for %s response", method)
	case <-c.ctx.Done():
		c.t.Fatalf("connection closed waiting for %s response: %v", method, c.ReadErr())
	}
	return nil, nil
}

// MustCall requires a successful response and decodes the result into out
// when out is non-nil.
func (c *WSClient) MustCall(method string, params, out any) {
	c.t.Helper()
	result, rpcErr := c.Call(method, params)
	require.Nil(c.t, rpcErr, "%s failed: %+v", method, rpcErr)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(result, out))
	}
}

// CallErr requires the call to fail and returns the wire error.
func (c *WSClient) CallErr(method string, params any) *RPCError {
	c.t.Helper()
	_, rpcErr := c.Call(method, params)
	require.NotNil(c.t, rpcErr, "%s unexpectedly succeeded", method)
	return rpcErr
}

// Auth authenticates with the given token.
func (c *WSClient) Auth(token string) {
	c.t.Helper()
	c.MustCall("auth", map[string]string{"token": token}, nil)
}

// Subscribe attaches the client to the given cursors.
func (c *WSClient) Subscribe(cursors ...models.Cursor) {
	c.t.Helper()
	c.MustCall("sessions.subscribe", map[string]any{"cursors": cursors}, nil)
}

// StartRun starts an agent run on the session and returns the run id.
func (c *WSClient) StartRun(sessionKey, prompt string) string {
	c.t.Helper()
	var started struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}
	c.MustCall("agent.start", map[string]string{
		"sessionKey": sessionKey,
		"prompt":     prompt,
	}, &started)
	require.Equal(c.t, sessionKey, started.SessionKey)
	require.NotEmpty(c.t, started.RunID)
	return started.RunID
}

// Events returns a snapshot of every event received so far, in arrival order.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// EventsFor filters the snapshot down to one session.
func (c *WSClient) EventsFor(sessionKey string) []WSEvent {
	var out []WSEvent
	for _, e := range c.Events() {
		if e.SessionKey == sessionKey {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the highest seq received for the session, or 0.
func (c *WSClient) LastSeq(sessionKey string) int64 {
	var last int64
	for _, e := range c.EventsFor(sessionKey) {
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last
}

// ReadErr reports why the background reader stopped, if it has.
func (c *WSClient) ReadErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// WaitForEvent polls the collected events until one matches the predicate.
func (c *WSClient) WaitForEvent(pred func(WSEvent) bool, timeout time.Duration) (WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return WSEvent{}, fmt.Errorf("timed out waiting for event (have %d)", len(c.Events()))
		case <-tick.C:
			for _, e := range c.Events() {
				if pred(e) {
					return e, nil
				}
			}
		}
	}
}

// WaitFor waits for the first event of the given type on the session.
func (c *WSClient) WaitFor(sessionKey string, eventType models.EventType, timeout time.Duration) WSEvent {
	c.t.Helper()
	evt, err := c.WaitForEvent(func(e WSEvent) bool {
		return e.SessionKey == sessionKey && e.EventType == eventType
	}, timeout)
	require.NoError(c.t, err, "waiting for %s on %s", eventType, sessionKey)
	return evt
}

// WaitForTerminal waits for the run-ending event on the session. Once it
// returns, every earlier event of that run is already in the snapshot.
func (c *WSClient) WaitForTerminal(sessionKey string, timeout time.Duration) WSEvent {
	c.t.Helper()
	evt, err := c.WaitForEvent(func(e WSEvent) bool {
		if e.SessionKey != sessionKey {
			return false
		}
		return e.EventType == models.EventTypeResult || e.EventType == models.EventTypeError
	}, timeout)
	require.NoError(c.t, err, "waiting for terminal event on %s", sessionKey)
	return evt
}
