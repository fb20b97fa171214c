package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/models"
)

// AppendMessage persists one transcript turn for a session. The message
// counter is tracked separately via IncrementMessages so callers control
// what counts as a conversational turn.
func (r *Registry) AppendMessage(ctx context.Context, key, role, content string) error {
	_, err := r.msgInsertStmt.ExecContext(ctx, key, role, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append message: %w: %w", database.ErrPersistence, err)
	}
	return nil
}

// Messages returns up to limit transcript turns for a session, oldest first.
func (r *Registry) Messages(ctx context.Context, key string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.msgListStmt.QueryContext(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w: %w", database.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []models.Message
	for rows.Next() {
		var (
			m         models.Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("list messages: %w: %w", database.ErrPersistence, err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w: %w", database.ErrPersistence, err)
	}
	return messages, nil
}
