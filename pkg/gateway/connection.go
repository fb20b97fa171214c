package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// subscription tracks one session key on one connection. A fresh
// subscription starts in the replaying state: live events are parked in the
// buffer while the paged replay runs, then flushed past the replay watermark
// when the subscription goes live. Once live, the watermark is the highest
// seq handed to the queue for the key; frames at or below it were already
// sent and are dropped. That handoff is what makes replay + live deliver
// every event exactly once.
type subscription struct {
	replaying bool
	watermark int64
	buffer    []bufferedFrame
}

type bufferedFrame struct {
	seq   int64
	frame []byte
}

// Connection is one WebSocket client. Reads happen on the goroutine that
// owns HandleConnection; writes are funneled through the bounded outbound
// queue and a single writer goroutine.
type Connection struct {
	ID string

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte

	mu            sync.Mutex
	authenticated bool
	subs          map[string]*subscription
	activeSession string

	// ackSeq is the client's acknowledged high-water mark, fed to the
	// retention sweeper.
	ackSeq atomic.Int64

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func newConnection(parentCtx context.Context, conn *websocket.Conn, queueSize int) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Connection{
		ID:       uuid.New().String(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan []byte, queueSize),
		subs:     make(map[string]*subscription),
	}
}

// writeLoop is the connection's only socket writer.
func (c *Connection) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case frame := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue hands a frame to the writer without blocking. A full queue means
// the client is not keeping up; callers must treat false as fatal for the
// connection.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// enqueueOrEvict enqueues and, on overflow, closes the connection as a slow
// consumer.
func (c *Connection) enqueueOrEvict(frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	slog.Warn("Disconnecting slow consumer",
		"connection_id", c.ID, "queue_size", cap(c.outbound))
	c.fail(websocket.StatusPolicyViolation, CodeSlowConsumer)
	return false
}

// deliverLive routes one freshly appended event. Runs on the appending
// goroutine under the log's publish ordering, so frames arrive here in seq
// order.
func (c *Connection) deliverLive(sessionKey string, seq int64, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[sessionKey]
	if !ok {
		return
	}
	if sub.replaying {
		sub.buffer = append(sub.buffer, bufferedFrame{seq: seq, frame: frame})
		return
	}
	if seq <= sub.watermark {
		// The replay scan already covered this row: a row commits before its
		// publish runs, so the final page can read it ahead of the fan-out.
		return
	}
	sub.watermark = seq
	c.enqueueOrEvict(frame)
}

// beginReplay registers subscriptions in the replaying state. Resubscribing
// a key restarts its replay from the new cursor.
func (c *Connection) beginReplay(sessionKeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range sessionKeys {
		c.subs[key] = &subscription{replaying: true}
	}
}

// finishReplay flips subscriptions live, flushing buffered events the replay
// did not cover. watermarks carries the highest seq the replay delivered per
// key (the cursor position when nothing was replayed); only buffered frames
// strictly above it survive, because everything at or below was already sent
// by the replay pages. The buffers were filled per key, so the survivors are
// merged and enqueued sorted by seq to keep the connection's stream in
// global seq order.
func (c *Connection) finishReplay(watermarks map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flush []bufferedFrame
	for key, watermark := range watermarks {
		sub, ok := c.subs[key]
		if !ok || !sub.replaying {
			continue
		}
		for _, b := range sub.buffer {
			if b.seq > watermark {
				flush = append(flush, b)
			}
		}
		sub.buffer = nil
		sub.replaying = false
		sub.watermark = watermark
	}

	sort.Slice(flush, func(i, j int) bool { return flush[i].seq < flush[j].seq })
	for _, b := range flush {
		if !c.enqueueOrEvict(b.frame) {
			return
		}
	}
}

func (c *Connection) removeSubscriptions(sessionKeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range sessionKeys {
		delete(c.subs, key)
	}
}

func (c *Connection) setAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
}

func (c *Connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Connection) setActiveSession(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSession = sessionKey
}

func (c *Connection) activeSessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSession
}

// advanceAck moves the acknowledged high-water mark forward, never back.
func (c *Connection) advanceAck(seq int64) {
	for {
		cur := c.ackSeq.Load()
		if seq <= cur || c.ackSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// fail latches the close status and tears the connection down. The first
// caller wins; later calls are no-ops. The close handshake runs on its own
// goroutine: fail is called from the event fan-out, which must not block,
// and cancelling the context while a read is pending would drop the
// connection before the close frame reaches the client.
func (c *Connection) fail(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		if c.conn == nil {
			c.cancel()
			return
		}
		go func() {
			_ = c.conn.Close(code, reason)
			c.cancel()
		}()
	})
}

// closeStatus latches and returns the connection's close code and reason,
// defaulting to a normal closure when nothing failed.
func (c *Connection) closeStatus() (websocket.StatusCode, string) {
	c.closeOnce.Do(func() {
		c.closeCode = websocket.StatusNormalClosure
		c.closeReason = ""
	})
	return c.closeCode, c.closeReason
}

// respond sends a successful RPC response.
func (c *Connection) respond(id json.RawMessage, result any) {
	c.send(Response{ID: id, Result: result})
}

// respondError sends a failed RPC response.
func (c *Connection) respondError(id json.RawMessage, werr *WireError) {
	c.send(Response{ID: id, Error: werr})
}

func (c *Connection) send(resp Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("Failed to marshal response frame",
			"connection_id", c.ID, "error", err)
		return
	}
	c.enqueueOrEvict(frame)
}
