// Package eventlog implements the append-only stream event store: globally
// sequenced appends, cursor-based replay reads, retention deletes, and an
// in-process broadcast feeding the live fan-out.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/models"
)

// Subscriber receives every appended event, in seq order. Callbacks run on
// the appending goroutine while the append lock is held: they must route and
// return without blocking (enqueue, never send).
type Subscriber func(models.StreamEvent)

// Log is the append-only stream event store. A single writer lock around
// append guarantees that broadcast order equals seq order; readers never
// block the writer beyond SQLite's own row contention.
type Log struct {
	db *sql.DB

	// appendMu serializes seq allocation and the in-process publish.
	appendMu sync.Mutex

	insertStmt        *sql.Stmt
	querySingleStmt   *sql.Stmt
	deleteSessionStmt *sql.Stmt
	deleteUpToStmt    *sql.Stmt
	sweepStmt         *sql.Stmt
	sweepGuardedStmt  *sql.Stmt

	subMu sync.RWMutex
	subs  map[string]Subscriber
}

const selectColumns = "seq, session_key, event_type, data, created_at"

// New creates a Log over an opened store and prepares the hot-path
// statements once. The multi-cursor replay query is the only statement
// built per call (its cursor count varies).
func New(ctx context.Context, db *sql.DB) (*Log, error) {
	l := &Log{
		db:   db,
		subs: make(map[string]Subscriber),
	}

	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&l.insertStmt,
			`INSERT INTO stream_events (session_key, event_type, data, created_at) VALUES (?, ?, ?, ?)`},
		{&l.querySingleStmt,
			`SELECT ` + selectColumns + ` FROM stream_events WHERE session_key = ? AND seq > ? ORDER BY seq ASC LIMIT ?`},
		{&l.deleteSessionStmt,
			`DELETE FROM stream_events WHERE session_key = ?`},
		{&l.deleteUpToStmt,
			`DELETE FROM stream_events WHERE session_key = ? AND seq <= ?`},
		{&l.sweepStmt,
			`DELETE FROM stream_events WHERE created_at < ?`},
		{&l.sweepGuardedStmt,
			`DELETE FROM stream_events WHERE created_at < ? AND seq <= ?`},
	}
	for _, s := range stmts {
		stmt, err := db.PrepareContext(ctx, s.query)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("prepare event log statement: %w", err)
		}
		*s.target = stmt
	}

	return l, nil
}

// Close releases the prepared statements. The database handle itself is
// owned by database.Client and stays open.
func (l *Log) Close() {
	for _, stmt := range []*sql.Stmt{
		l.insertStmt, l.querySingleStmt, l.deleteSessionStmt,
		l.deleteUpToStmt, l.sweepStmt, l.sweepGuardedStmt,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// Append persists one event, allocates its seq, and publishes it to
// subscribers before returning. data must be valid JSON; the log stores and
// forwards it without inspection. Appending to a never-seen session key is
// valid; the log has no foreign key into the session registry.
func (l *Log) Append(ctx context.Context, sessionKey string, eventType models.EventType, data []byte) (int64, error) {
	now := time.Now()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	res, err := l.insertStmt.ExecContext(ctx, sessionKey, string(eventType), string(data), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append event: %w: %w", database.ErrPersistence, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event seq: %w: %w", database.ErrPersistence, err)
	}

	l.publish(models.StreamEvent{
		Seq:        seq,
		SessionKey: sessionKey,
		Type:       eventType,
		Data:       json.RawMessage(data),
		CreatedAt:  now,
	})

	return seq, nil
}

// QueryByCursors returns up to limit events matching any cursor, strictly
// ordered by seq ascending. Cursor semantics are strictly-after: AfterSeq = k
// excludes seq = k. A row matching several cursors appears exactly once.
// Callers paginate by advancing cursors to the returned per-session maxima
// and calling again until fewer than limit rows come back.
func (l *Log) QueryByCursors(ctx context.Context, cursors []models.Cursor, limit int) ([]models.StreamEvent, error) {
	if len(cursors) == 0 || limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if len(cursors) == 1 {
		rows, err = l.querySingleStmt.QueryContext(ctx, cursors[0].SessionKey, cursors[0].AfterSeq, limit)
	} else {
		var sb strings.Builder
		sb.WriteString(`SELECT ` + selectColumns + ` FROM stream_events WHERE `)
		args := make([]any, 0, 2*len(cursors)+1)
		for i, c := range cursors {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("(session_key = ? AND seq > ?)")
			args = append(args, c.SessionKey, c.AfterSeq)
		}
		sb.WriteString(" ORDER BY seq ASC LIMIT ?")
		args = append(args, limit)
		rows, err = l.db.QueryContext(ctx, sb.String(), args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w: %w", database.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.StreamEvent
	for rows.Next() {
		var (
			evt       models.StreamEvent
			eventType string
			data      string
			createdAt int64
		)
		if err := rows.Scan(&evt.Seq, &evt.SessionKey, &eventType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w: %w", database.ErrPersistence, err)
		}
		evt.Type = models.EventType(eventType)
		evt.Data = json.RawMessage(data)
		evt.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w: %w", database.ErrPersistence, err)
	}

	return events, nil
}

// DeleteForSession removes all events for a key. Seq values are never
// reused, so later appends stay strictly above everything deleted here.
func (l *Log) DeleteForSession(ctx context.Context, sessionKey string) (int64, error) {
	res, err := l.deleteSessionStmt.ExecContext(ctx, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("delete session events: %w: %w", database.ErrPersistence, err)
	}
	return res.RowsAffected()
}

// DeleteUpTo removes a session's events at or below the acknowledged
// high-water mark.
func (l *Log) DeleteUpTo(ctx context.Context, sessionKey string, maxSeq int64) (int64, error) {
	res, err := l.deleteUpToStmt.ExecContext(ctx, sessionKey, maxSeq)
	if err != nil {
		return 0, fmt.Errorf("delete acked events: %w: %w", database.ErrPersistence, err)
	}
	return res.RowsAffected()
}

// Sweep removes events older than maxAge. When belowSeq is positive, only
// rows with seq <= belowSeq are eligible; the caller passes the minimum
// acknowledged seq across connected clients so slow readers are never
// stranded. belowSeq <= 0 sweeps by age alone (no clients connected).
func (l *Log) Sweep(ctx context.Context, maxAge time.Duration, belowSeq int64) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	var (
		res sql.Result
		err error
	)
	if belowSeq > 0 {
		res, err = l.sweepGuardedStmt.ExecContext(ctx, cutoff, belowSeq)
	} else {
		res, err = l.sweepStmt.ExecContext(ctx, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("sweep events: %w: %w", database.ErrPersistence, err)
	}
	return res.RowsAffected()
}

// Subscribe registers fn for every subsequent append and returns its cancel
// function. Events arrive in seq order; fn runs under the append lock.
func (l *Log) Subscribe(fn Subscriber) (cancel func()) {
	id := uuid.New().String()

	l.subMu.Lock()
	l.subs[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Log) publish(evt models.StreamEvent) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subs {
		fn(evt)
	}
}
