package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("toggle: %w", NewConflict("already active"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, Conflict, KindOf(err))
	assert.Equal(t, "already active", MessageOf(err))
}

func TestStoreUnavailableUnwrapsCause(t *testing.T) {
	err := NewStoreUnavailable("ledger.Latest", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "ledger.Latest")
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Unknown, KindOf(err))
	assert.Equal(t, "boom", MessageOf(err))
	assert.False(t, IsKind(err, Conflict))
}
