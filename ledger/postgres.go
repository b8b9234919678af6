package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"driver-state-service/apperrors"
	"driver-state-service/models"
)

const uniqueViolation = "23505"

const selectEvent = `SELECT id, driver_id, status, date, on_at, off_at FROM work_status_events`

// PostgresLedger keeps work-status events in the work_status_events table.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Latest(ctx context.Context, driverID string) (*models.WorkStatusEvent, error) {
	row := l.db.QueryRowContext(ctx,
		selectEvent+` WHERE driver_id = $1 ORDER BY on_at DESC LIMIT 1`, driverID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", driverID, err)
	}
	return ev, nil
}

func (l *PostgresLedger) Append(ctx context.Context, ev models.WorkStatusEvent) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO work_status_events (id, driver_id, status, date, on_at, off_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.DriverID, string(ev.Status), ev.Date, ev.OnAt, nullTime(ev.OffAt))
	if err != nil {
		return appendError(ev.DriverID, err)
	}
	return nil
}

func (l *PostgresLedger) Close(ctx context.Context, eventID string, offAt time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE work_status_events SET off_at = COALESCE(off_at, $2) WHERE id = $1`,
		eventID, offAt.UTC())
	if err != nil {
		return fmt.Errorf("close event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close event %s: %w", eventID, err)
	}
	if n == 0 {
		return apperrors.NewNotFound(fmt.Sprintf("work status event %s not found", eventID))
	}
	return nil
}

// Transition closes prevID and opens next in one transaction. next starts
// no earlier than a microsecond after prevID did, so it stays the latest
// event even when the clock has stepped back.
func (l *PostgresLedger) Transition(ctx context.Context, prevID string, next models.WorkStatusEvent) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var at time.Time
	err = tx.QueryRowContext(ctx,
		`UPDATE work_status_events
            SET off_at = GREATEST($2::timestamptz, on_at + interval '1 microsecond')
          WHERE id = $1 AND off_at IS NULL
      RETURNING off_at`,
		prevID, next.OnAt.UTC()).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewConflict("superseded event is no longer open")
	}
	if err != nil {
		return fmt.Errorf("close superseded event %s: %w", prevID, err)
	}
	next.OnAt = at.UTC()
	next.Date = next.OnAt.Format(models.DateLayout)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_status_events (id, driver_id, status, date, on_at, off_at)
         VALUES ($1, $2, $3, $4, $5, NULL)`,
		next.ID, next.DriverID, string(next.Status), next.Date, next.OnAt)
	if err != nil {
		return appendError(next.DriverID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (l *PostgresLedger) History(ctx context.Context, driverID string, limit int) ([]models.WorkStatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		selectEvent+` WHERE driver_id = $1 ORDER BY on_at DESC LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", driverID, err)
	}
	return scanEvents(rows)
}

func (l *PostgresLedger) ListOpen(ctx context.Context) ([]models.WorkStatusEvent, error) {
	rows, err := l.db.QueryContext(ctx, selectEvent+` WHERE off_at IS NULL ORDER BY on_at`)
	if err != nil {
		return nil, fmt.Errorf("list open events: %w", err)
	}
	return scanEvents(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*models.WorkStatusEvent, error) {
	var (
		ev     models.WorkStatusEvent
		status string
		date   time.Time
		offAt  sql.NullTime
	)
	if err := s.Scan(&ev.ID, &ev.DriverID, &status, &date, &ev.OnAt, &offAt); err != nil {
		return nil, err
	}
	st, err := models.ParseWorkStatus(status)
	if err != nil {
		return nil, err
	}
	ev.Status = st
	ev.Date = date.Format(models.DateLayout)
	ev.OnAt = ev.OnAt.UTC()
	if offAt.Valid {
		t := offAt.Time.UTC()
		ev.OffAt = &t
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]models.WorkStatusEvent, error) {
	defer rows.Close()
	var events []models.WorkStatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func appendError(driverID string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperrors.NewConflict("driver " + driverID + " already has an open work session")
	}
	return fmt.Errorf("append event for %s: %w", driverID, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
