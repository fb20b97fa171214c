// Package registry is the authoritative map of sessions: durable rows in the
// sessions table plus the transient active-run set that serializes agent
// starts per session key.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/models"
)

const sessionColumns = "id, session_key, channel, chat_type, chat_id, external_id, message_count, last_message_at, created_at"

// Registry owns the sessions and messages tables. Reads prefer the in-memory
// cache; every write goes to the database first. The active-run set lives
// only in memory and resets on restart.
type Registry struct {
	db *sql.DB

	insertStmt      *sql.Stmt
	getStmt         *sql.Stmt
	listStmt        *sql.Stmt
	setExternalStmt *sql.Stmt
	bumpStmt        *sql.Stmt
	msgInsertStmt   *sql.Stmt
	msgListStmt     *sql.Stmt

	mu         sync.Mutex
	sessions   map[string]*models.Session
	activeRuns map[string]struct{}
}

// New prepares the registry's statements against an already-migrated database.
func New(ctx context.Context, db *sql.DB) (*Registry, error) {
	r := &Registry{
		db:         db,
		sessions:   make(map[string]*models.Session),
		activeRuns: make(map[string]struct{}),
	}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&r.insertStmt, `INSERT INTO sessions (session_key, channel, chat_type, chat_id, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (session_key) DO NOTHING`},
		{&r.getStmt, `SELECT ` + sessionColumns + ` FROM sessions WHERE session_key = ?`},
		{&r.listStmt, `SELECT ` + sessionColumns + ` FROM sessions
			ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`},
		{&r.setExternalStmt, `UPDATE sessions SET external_id = ? WHERE session_key = ?`},
		{&r.bumpStmt, `UPDATE sessions SET message_count = message_count + 1, last_message_at = ? WHERE session_key = ?`},
		{&r.msgInsertStmt, `INSERT INTO messages (session_key, role, content, created_at) VALUES (?, ?, ?, ?)`},
		{&r.msgListStmt, `SELECT id, session_key, role, content, created_at FROM messages WHERE session_key = ? ORDER BY id ASC LIMIT ?`},
	}
	for _, s := range stmts {
		stmt, err := db.PrepareContext(ctx, s.query)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare registry statement: %w", err)
		}
		*s.dst = stmt
	}
	return r, nil
}

// Close releases the prepared statements. The database handle is owned by
// the caller.
func (r *Registry) Close() {
	for _, stmt := range []*sql.Stmt{
		r.insertStmt, r.getStmt, r.listStmt, r.setExternalStmt,
		r.bumpStmt, r.msgInsertStmt, r.msgListStmt,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// GetOrCreate returns the session for the descriptor's key, inserting a new
// row if the key is unknown. Safe under concurrent calls for the same key;
// the conflict-free insert makes creation idempotent.
func (r *Registry) GetOrCreate(ctx context.Context, desc models.SessionDescriptor) (*models.Session, error) {
	key := MakeKey(desc)

	r.mu.Lock()
	if cached, ok := r.sessions[key]; ok {
		out := r.snapshotLocked(cached)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	parsed, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	_, err = r.insertStmt.ExecContext(ctx,
		key, parsed.Channel, parsed.ChatType, parsed.ChatID, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create session: %w: %w", database.ErrPersistence, err)
	}
	return r.Get(ctx, key)
}

// Get loads a session by key, consulting the cache first.
func (r *Registry) Get(ctx context.Context, key string) (*models.Session, error) {
	r.mu.Lock()
	if cached, ok := r.sessions[key]; ok {
		out := r.snapshotLocked(cached)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	session, err := scanSession(r.getStmt.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w: %w", database.ErrPersistence, err)
	}

	r.mu.Lock()
	if cached, ok := r.sessions[key]; ok {
		session = cached
	} else {
		r.sessions[key] = session
	}
	out := r.snapshotLocked(session)
	r.mu.Unlock()
	return out, nil
}

// List enumerates every persisted session, most recently active first, with
// the transient ActiveRun flag filled in.
func (r *Registry) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", database.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w: %w", database.ErrPersistence, err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", database.ErrPersistence, err)
	}

	r.mu.Lock()
	for _, session := range sessions {
		_, session.ActiveRun = r.activeRuns[session.Key]
	}
	r.mu.Unlock()
	return sessions, nil
}

// SetExternalID records the provider-assigned identifier learned from a
// terminal agent event.
func (r *Registry) SetExternalID(ctx context.Context, key, externalID string) error {
	res, err := r.setExternalStmt.ExecContext(ctx, externalID, key)
	if err != nil {
		return fmt.Errorf("set external id: %w: %w", database.ErrPersistence, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("session %q: %w", key, ErrNotFound)
	}

	r.mu.Lock()
	if cached, ok := r.sessions[key]; ok {
		cached.ExternalID = externalID
	}
	r.mu.Unlock()
	return nil
}

// IncrementMessages bumps the session's message counter and last-message-at.
func (r *Registry) IncrementMessages(ctx context.Context, key string) error {
	now := time.Now()
	res, err := r.bumpStmt.ExecContext(ctx, now.UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("increment messages: %w: %w", database.ErrPersistence, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("session %q: %w", key, ErrNotFound)
	}

	r.mu.Lock()
	if cached, ok := r.sessions[key]; ok {
		cached.MessageCount++
		at := now
		cached.LastMessageAt = &at
	}
	r.mu.Unlock()
	return nil
}

// AcquireRun atomically claims the active-run flag for a key. It is the
// test-and-set that enforces at most one agent run per session; callers
// holding the flag must pair it with ReleaseRun.
func (r *Registry) AcquireRun(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.activeRuns[key]; busy {
		return fmt.Errorf("session %q: %w", key, ErrBusy)
	}
	r.activeRuns[key] = struct{}{}
	return nil
}

// ReleaseRun clears the active-run flag. Releasing a key that is not held
// is a no-op.
func (r *Registry) ReleaseRun(key string) {
	r.mu.Lock()
	delete(r.activeRuns, key)
	r.mu.Unlock()
}

// HasActiveRun reports whether a run is in flight for the key.
func (r *Registry) HasActiveRun(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.activeRuns[key]
	return busy
}

// ActiveRunKeys returns the keys with runs in flight.
func (r *Registry) ActiveRunKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.activeRuns))
	for key := range r.activeRuns {
		keys = append(keys, key)
	}
	return keys
}

// Remove evicts the in-memory entry for a key. The persisted session and its
// events survive, so history stays queryable; a later Get reloads the row.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// snapshotLocked copies a cached session with the ActiveRun flag resolved.
// Callers must hold r.mu.
func (r *Registry) snapshotLocked(s *models.Session) *models.Session {
	out := *s
	if s.LastMessageAt != nil {
		at := *s.LastMessageAt
		out.LastMessageAt = &at
	}
	_, out.ActiveRun = r.activeRuns[s.Key]
	return &out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s         models.Session
		lastAt    sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&s.ID, &s.Key, &s.Channel, &s.ChatType, &s.ChatID,
		&s.ExternalID, &s.MessageCount, &lastAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if lastAt.Valid {
		at := time.UnixMilli(lastAt.Int64)
		s.LastMessageAt = &at
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	return &s, nil
}
