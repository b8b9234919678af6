package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driver-state-service/apperrors"
	"driver-state-service/models"
)

var t0 = time.Date(2025, 10, 21, 8, 0, 0, 0, time.UTC)

func TestMemoryLatestPicksGreatestOnAt(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	latest, err := l.Latest(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	first := models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)
	require.NoError(t, l.Append(ctx, first))
	require.NoError(t, l.Close(ctx, "e1", t0.Add(time.Hour)))
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e2", "d1", models.StatusOn, t0.Add(2*time.Hour))))

	latest, err = l.Latest(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "e2", latest.ID)
	assert.Equal(t, models.StatusOn, latest.EffectiveStatus())
	assert.Equal(t, "2025-10-21", latest.Date)
}

func TestMemoryAppendRejectsSecondOpenEvent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)))
	err := l.Append(ctx, models.NewWorkStatusEvent("e2", "d1", models.StatusOn, t0.Add(time.Minute)))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	// other drivers are unaffected
	assert.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e3", "d2", models.StatusOn, t0)))
}

func TestMemoryCloseKeepsFirstOffAt(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)))

	require.NoError(t, l.Close(ctx, "e1", t0.Add(time.Hour)))
	require.NoError(t, l.Close(ctx, "e1", t0.Add(2*time.Hour)))

	latest, err := l.Latest(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, latest.OffAt)
	assert.Equal(t, t0.Add(time.Hour), *latest.OffAt)
	assert.Equal(t, models.StatusOff, latest.EffectiveStatus())

	err = l.Close(ctx, "missing", t0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMemoryTransitionClosesPreviousAndAppends(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)))

	next := models.NewWorkStatusEvent("e2", "d1", models.StatusInTrip, t0.Add(10*time.Minute))
	require.NoError(t, l.Transition(ctx, "e1", next))

	history, err := l.History(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e2", history[0].ID)
	assert.Nil(t, history[0].OffAt)
	require.NotNil(t, history[1].OffAt)
	assert.Equal(t, next.OnAt, *history[1].OffAt)

	// the superseded event is closed now
	err = l.Transition(ctx, "e1", models.NewWorkStatusEvent("e3", "d1", models.StatusOn, t0.Add(time.Hour)))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestMemoryTransitionStartsAfterPrevious(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)))

	// same timestamp as the superseded event
	require.NoError(t, l.Transition(ctx, "e1", models.NewWorkStatusEvent("e2", "d1", models.StatusInTrip, t0)))

	latest, err := l.Latest(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "e2", latest.ID)
	assert.Equal(t, models.StatusInTrip, latest.EffectiveStatus())
	assert.True(t, latest.OnAt.After(t0))
}

func TestMemoryListOpen(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)))
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e2", "d2", models.StatusOn, t0.Add(time.Minute))))
	require.NoError(t, l.Close(ctx, "e1", t0.Add(time.Hour)))

	open, err := l.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "d2", open[0].DriverID)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Append(ctx, models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)))

	latest, _ := l.Latest(ctx, "d1")
	now := t0.Add(time.Hour)
	latest.OffAt = &now

	again, _ := l.Latest(ctx, "d1")
	assert.Nil(t, again.OffAt)
}
