package gateway

import (
	"errors"
	"log/slog"

	"github.com/dorabot/dorabot/pkg/approval"
	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/registry"
	"github.com/dorabot/dorabot/pkg/supervisor"
)

// Error codes carried in WireError.Code. This set is closed; clients rely on
// it being stable.
const (
	CodeUnauthenticated = "ErrUnauthenticated"
	CodeUnknownMethod   = "ErrUnknownMethod"
	CodeInvalidParams   = "ErrInvalidParams"
	CodeNotFound        = "ErrNotFound"
	CodeBusy            = "ErrBusy"
	CodePersistence     = "ErrPersistence"
	CodeSlowConsumer    = "ErrSlowConsumer"
	CodeInternal        = "ErrInternal"
)

// wireError maps component errors to the wire error shape.
func wireError(err error) *WireError {
	switch {
	case errors.Is(err, registry.ErrBusy):
		return &WireError{Code: CodeBusy, Message: err.Error()}
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, supervisor.ErrNoRun):
		return &WireError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, database.ErrPersistence):
		return &WireError{Code: CodePersistence, Message: "persistence failure"}
	}

	slog.Error("Unexpected RPC error", "error", err)
	return &WireError{Code: CodeInternal, Message: "internal error"}
}

func invalidParams(message string) *WireError {
	return &WireError{Code: CodeInvalidParams, Message: message}
}
