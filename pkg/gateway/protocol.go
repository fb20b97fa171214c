package gateway

import (
	"encoding/json"

	"github.com/dorabot/dorabot/pkg/models"
)

// Wire protocol: JSON text frames over the WebSocket.
//
// client -> gateway:  {"id": ..., "method": "...", "params": {...}}
// gateway -> client:  {"id": ..., "result": {...}}
//                     {"id": ..., "error": {"code": "...", "message": "..."}}
// server push:        {"method": "event", "params": {"sessionKey": ...,
//                      "seq": ..., "eventType": ..., "data": {...}}}
//
// The id is chosen by the client and echoed verbatim. The first method on
// any connection must be auth.

// Request is one client RPC frame.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the error shape carried in failed responses. Code is one of
// the Code* constants; clients switch on it, not on the message.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// EventNotification is the server-push frame for one appended event.
type EventNotification struct {
	Method string      `json:"method"`
	Params EventParams `json:"params"`
}

// EventParams is the payload of an event notification.
type EventParams struct {
	SessionKey string           `json:"sessionKey"`
	Seq        int64            `json:"seq"`
	EventType  models.EventType `json:"eventType"`
	Data       json.RawMessage  `json:"data"`
}

func marshalEventFrame(evt models.StreamEvent) ([]byte, error) {
	return json.Marshal(EventNotification{
		Method: "event",
		Params: EventParams{
			SessionKey: evt.SessionKey,
			Seq:        evt.Seq,
			EventType:  evt.Type,
			Data:       evt.Data,
		},
	})
}

// Method parameter shapes.

type authParams struct {
	Token string `json:"token"`
}

type subscribeParams struct {
	Cursors []models.Cursor `json:"cursors"`
}

type unsubscribeParams struct {
	SessionKeys []string `json:"sessionKeys"`
}

type setActiveParams struct {
	SessionKey string `json:"sessionKey"`
}

type startParams struct {
	// SessionKey addresses an existing or new session directly. When empty,
	// Channel/ChatType/ChatID form the descriptor; when those are empty too,
	// the connection's active session is used.
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ChatType   string `json:"chatType,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	Prompt     string `json:"prompt"`
}

type abortParams struct {
	// SessionKey empty means abort every active run (the global escape).
	SessionKey string `json:"sessionKey,omitempty"`
}

type decideParams struct {
	ApprovalID string `json:"approvalId"`
	Allow      bool   `json:"allow"`
	Reason     string `json:"reason,omitempty"`
}

type ackParams struct {
	Seq int64 `json:"seq"`
}

// Method result shapes.

type okResult struct {
	OK bool `json:"ok"`
}

type listResult struct {
	Sessions []*models.Session `json:"sessions"`
}

type startResult struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

type abortResult struct {
	Aborted int `json:"aborted"`
}
