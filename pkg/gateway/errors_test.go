package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dorabot/dorabot/pkg/approval"
	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/registry"
	"github.com/dorabot/dorabot/pkg/supervisor"
)

func TestWireErrorMapsComponentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"busy", registry.ErrBusy, CodeBusy},
		{"wrapped busy", fmt.Errorf("start agent: %w", registry.ErrBusy), CodeBusy},
		{"session not found", registry.ErrNotFound, CodeNotFound},
		{"approval not found", approval.ErrNotFound, CodeNotFound},
		{"no active run", supervisor.ErrNoRun, CodeNotFound},
		{"persistence", fmt.Errorf("append event: %w: disk full", database.ErrPersistence), CodePersistence},
		{"anything else", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, wireError(tt.err).Code)
		})
	}
}

func TestWireErrorHidesInternalDetail(t *testing.T) {
	werr := wireError(errors.New("sqlite: malformed database schema"))
	assert.Equal(t, CodeInternal, werr.Code)
	assert.Equal(t, "internal error", werr.Message)

	werr = wireError(fmt.Errorf("append: %w: io failure", database.ErrPersistence))
	assert.Equal(t, "persistence failure", werr.Message)
}
