package models

import "time"

// SessionDescriptor identifies a conversation scope before it has a session key:
// the frontend surface it arrived on, the kind of chat, and the provider's chat id.
type SessionDescriptor struct {
	Channel  string `json:"channel"`
	ChatType string `json:"chatType"`
	ChatID   string `json:"chatId"`
}

// Session is the registry's record of one conversation scope.
// ActiveRun is transient; it is never persisted and is owned by the
// in-memory registry, not the sessions table.
type Session struct {
	ID            int64      `json:"id"`
	Key           string     `json:"sessionKey"`
	Channel       string     `json:"channel"`
	ChatType      string     `json:"chatType"`
	ChatID        string     `json:"chatId"`
	ExternalID    string     `json:"externalId,omitempty"`
	MessageCount  int        `json:"messageCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ActiveRun     bool       `json:"activeRun"`
}
