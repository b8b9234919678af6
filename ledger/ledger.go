// Package ledger is the durable, append-mostly log of driver work-status
// events. Events are never deleted; closing a session records OffAt on the
// current event.
package ledger

import (
	"context"
	"time"

	"driver-state-service/models"
)

// Ledger is the typed store interface for work-status events.
type Ledger interface {
	// Latest returns the driver's current event (greatest OnAt), or nil
	// when the driver has never worked.
	Latest(ctx context.Context, driverID string) (*models.WorkStatusEvent, error)
	// Append records a new open event. It fails with a conflict if the
	// driver already has an open event.
	Append(ctx context.Context, ev models.WorkStatusEvent) error
	// Close sets OffAt on an event. Closing an already closed event keeps
	// the original OffAt.
	Close(ctx context.Context, eventID string, offAt time.Time) error
	// Transition closes prevID and appends next atomically.
	Transition(ctx context.Context, prevID string, next models.WorkStatusEvent) error
	// History lists a driver's events, newest first.
	History(ctx context.Context, driverID string, limit int) ([]models.WorkStatusEvent, error)
	// ListOpen returns every event without OffAt.
	ListOpen(ctx context.Context) ([]models.WorkStatusEvent, error)
}
