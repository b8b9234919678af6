package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driver-state-service/apperrors"
	"driver-state-service/models"
)

var eventColumns = []string{"id", "driver_id", "status", "date", "on_at", "off_at"}

func newMock(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresLedger(db), mock
}

func TestPostgresLatest(t *testing.T) {
	l, mock := newMock(t)
	offAt := t0.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE driver_id = $1 ORDER BY on_at DESC LIMIT 1`)).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("e1", "d1", "On", t0, t0, offAt))

	ev, err := l.Latest(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, models.StatusOn, ev.Status)
	assert.Equal(t, "2025-10-21", ev.Date)
	require.NotNil(t, ev.OffAt)
	assert.Equal(t, offAt, *ev.OffAt)
	assert.Equal(t, models.StatusOff, ev.EffectiveStatus())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestNone(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectQuery(`FROM work_status_events`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(eventColumns))

	ev, err := l.Latest(context.Background(), "d1")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestPostgresAppend(t *testing.T) {
	l, mock := newMock(t)
	ev := models.NewWorkStatusEvent("e1", "d1", models.StatusOn, t0)

	mock.ExpectExec(`INSERT INTO work_status_events`).
		WithArgs("e1", "d1", "On", "2025-10-21", t0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Append(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendUniqueViolationIsConflict(t *testing.T) {
	l, mock := newMock(t)
	ev := models.NewWorkStatusEvent("e2", "d1", models.StatusOn, t0)

	mock.ExpectExec(`INSERT INTO work_status_events`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := l.Append(context.Background(), ev)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestPostgresCloseMissingIsNotFound(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectExec(`UPDATE work_status_events SET off_at = COALESCE`).
		WithArgs("e9", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.Close(context.Background(), "e9", t0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestPostgresTransitionCommits(t *testing.T) {
	l, mock := newMock(t)
	next := models.NewWorkStatusEvent("e2", "d1", models.StatusInTrip, t0.Add(time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE work_status_events\s+SET off_at = GREATEST`).
		WithArgs("e1", next.OnAt).
		WillReturnRows(sqlmock.NewRows([]string{"off_at"}).AddRow(next.OnAt))
	mock.ExpectExec(`INSERT INTO work_status_events`).
		WithArgs("e2", "d1", "InTrip", next.Date, next.OnAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.Transition(context.Background(), "e1", next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionStartsAfterPrevious(t *testing.T) {
	l, mock := newMock(t)
	// clock stepped back: next is stamped before the event it supersedes
	next := models.NewWorkStatusEvent("e2", "d1", models.StatusInTrip, t0.Add(-time.Minute))
	clamped := t0.Add(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE work_status_events`).
		WithArgs("e1", next.OnAt).
		WillReturnRows(sqlmock.NewRows([]string{"off_at"}).AddRow(clamped))
	mock.ExpectExec(`INSERT INTO work_status_events`).
		WithArgs("e2", "d1", "InTrip", clamped.Format(models.DateLayout), clamped).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.Transition(context.Background(), "e1", next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionRollsBackWhenPreviousClosed(t *testing.T) {
	l, mock := newMock(t)
	next := models.NewWorkStatusEvent("e2", "d1", models.StatusInTrip, t0)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE work_status_events`).
		WillReturnRows(sqlmock.NewRows([]string{"off_at"}))
	mock.ExpectRollback()

	err := l.Transition(context.Background(), "e1", next)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionReportsUpdateFailure(t *testing.T) {
	l, mock := newMock(t)
	next := models.NewWorkStatusEvent("e2", "d1", models.StatusInTrip, t0)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE work_status_events`).
		WillReturnError(errors.New("driver: bad connection"))
	mock.ExpectRollback()

	err := l.Transition(context.Background(), "e1", next)
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListOpen(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectQuery(`WHERE off_at IS NULL`).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("e1", "d1", "On", t0, t0, nil).
			AddRow("e2", "d2", "InTrip", t0, t0.Add(time.Minute), nil))

	open, err := l.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, models.StatusInTrip, open[1].Status)
	assert.Nil(t, open[1].OffAt)
}
