package presence

import (
	"context"

	"driver-state-service/models"
	"driver-state-service/retry"
)

// Resilient decorates an Index with per-call deadlines and retries. Every
// presence operation is a read or an idempotent write, so all are retried.
type Resilient struct {
	next   Index
	policy retry.Policy
}

func NewResilient(next Index, policy retry.Policy) *Resilient {
	return &Resilient{next: next, policy: policy}
}

func (r *Resilient) Upsert(ctx context.Context, driverID string, lat, lng float64) (models.Partition, error) {
	var p models.Partition
	err := retry.Do(ctx, r.policy, "presence.Upsert", func(ctx context.Context) error {
		var err error
		p, err = r.next.Upsert(ctx, driverID, lat, lng)
		return err
	})
	return p, err
}

func (r *Resilient) Place(ctx context.Context, driverID string, p models.Partition, lat, lng float64) error {
	return retry.Do(ctx, r.policy, "presence.Place", func(ctx context.Context) error {
		return r.next.Place(ctx, driverID, p, lat, lng)
	})
}

func (r *Resilient) IsMember(ctx context.Context, driverID string, p models.Partition) (bool, error) {
	var ok bool
	err := retry.Do(ctx, r.policy, "presence.IsMember", func(ctx context.Context) error {
		var err error
		ok, err = r.next.IsMember(ctx, driverID, p)
		return err
	})
	return ok, err
}

func (r *Resilient) Remove(ctx context.Context, driverID string) error {
	return retry.Do(ctx, r.policy, "presence.Remove", func(ctx context.Context) error {
		return r.next.Remove(ctx, driverID)
	})
}

func (r *Resilient) Locate(ctx context.Context, driverID string) (*models.Presence, error) {
	var out *models.Presence
	err := retry.Do(ctx, r.policy, "presence.Locate", func(ctx context.Context) error {
		var err error
		out, err = r.next.Locate(ctx, driverID)
		return err
	})
	return out, err
}

func (r *Resilient) Nearby(ctx context.Context, p models.Partition, lat, lng, radiusKm float64, limit int) ([]models.Presence, error) {
	var out []models.Presence
	err := retry.Do(ctx, r.policy, "presence.Nearby", func(ctx context.Context) error {
		var err error
		out, err = r.next.Nearby(ctx, p, lat, lng, radiusKm, limit)
		return err
	})
	return out, err
}

func (r *Resilient) Members(ctx context.Context, p models.Partition) ([]string, error) {
	var out []string
	err := retry.Do(ctx, r.policy, "presence.Members", func(ctx context.Context) error {
		var err error
		out, err = r.next.Members(ctx, p)
		return err
	})
	return out, err
}

func (r *Resilient) MarkPending(ctx context.Context, driverID string) error {
	return retry.Do(ctx, r.policy, "presence.MarkPending", func(ctx context.Context) error {
		return r.next.MarkPending(ctx, driverID)
	})
}

func (r *Resilient) IsPending(ctx context.Context, driverID string) (bool, error) {
	var ok bool
	err := retry.Do(ctx, r.policy, "presence.IsPending", func(ctx context.Context) error {
		var err error
		ok, err = r.next.IsPending(ctx, driverID)
		return err
	})
	return ok, err
}
