package ledger

import (
	"context"
	"time"

	"driver-state-service/models"
	"driver-state-service/retry"
)

// Resilient decorates a Ledger with per-call deadlines and retries. Reads
// and Close are retried; Append and Transition are attempted once because a
// repeated insert could open a second session.
type Resilient struct {
	next   Ledger
	policy retry.Policy
}

func NewResilient(next Ledger, policy retry.Policy) *Resilient {
	return &Resilient{next: next, policy: policy}
}

func (r *Resilient) Latest(ctx context.Context, driverID string) (*models.WorkStatusEvent, error) {
	var ev *models.WorkStatusEvent
	err := retry.Do(ctx, r.policy, "ledger.Latest", func(ctx context.Context) error {
		var err error
		ev, err = r.next.Latest(ctx, driverID)
		return err
	})
	return ev, err
}

func (r *Resilient) Append(ctx context.Context, ev models.WorkStatusEvent) error {
	return retry.Once(ctx, r.policy, "ledger.Append", func(ctx context.Context) error {
		return r.next.Append(ctx, ev)
	})
}

func (r *Resilient) Close(ctx context.Context, eventID string, offAt time.Time) error {
	return retry.Do(ctx, r.policy, "ledger.Close", func(ctx context.Context) error {
		return r.next.Close(ctx, eventID, offAt)
	})
}

func (r *Resilient) Transition(ctx context.Context, prevID string, next models.WorkStatusEvent) error {
	return retry.Once(ctx, r.policy, "ledger.Transition", func(ctx context.Context) error {
		return r.next.Transition(ctx, prevID, next)
	})
}

func (r *Resilient) History(ctx context.Context, driverID string, limit int) ([]models.WorkStatusEvent, error) {
	var out []models.WorkStatusEvent
	err := retry.Do(ctx, r.policy, "ledger.History", func(ctx context.Context) error {
		var err error
		out, err = r.next.History(ctx, driverID, limit)
		return err
	})
	return out, err
}

func (r *Resilient) ListOpen(ctx context.Context) ([]models.WorkStatusEvent, error) {
	var out []models.WorkStatusEvent
	err := retry.Do(ctx, r.policy, "ledger.ListOpen", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListOpen(ctx)
		return err
	})
	return out, err
}
