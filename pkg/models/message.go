package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted turn of a session's transcript. The registry's
// message counters are derived from these rows.
type Message struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"sessionKey"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}
