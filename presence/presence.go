// Package presence is the live geospatial index of discoverable drivers.
// A driver is a member of at most one partition (free or in-trip) and
// carries one coordinate.
package presence

import (
	"context"
	"fmt"

	"driver-state-service/apperrors"
	"driver-state-service/models"
)

type Index interface {
	// Upsert writes the coordinate into the partition the driver is already
	// in: in-trip if a member there, free otherwise. It returns the
	// partition written.
	Upsert(ctx context.Context, driverID string, lat, lng float64) (models.Partition, error)
	// Place writes the coordinate into p and removes the driver from the
	// other partition.
	Place(ctx context.Context, driverID string, p models.Partition, lat, lng float64) error
	IsMember(ctx context.Context, driverID string, p models.Partition) (bool, error)
	// Remove drops the driver from both partitions and clears the pending
	// marker. Removing an absent driver is not an error.
	Remove(ctx context.Context, driverID string) error
	// Locate returns the driver's entry, or nil when not indexed.
	Locate(ctx context.Context, driverID string) (*models.Presence, error)
	// Nearby lists members of p within radiusKm, nearest first.
	Nearby(ctx context.Context, p models.Partition, lat, lng, radiusKm float64, limit int) ([]models.Presence, error)
	Members(ctx context.Context, p models.Partition) ([]string, error)
	// MarkPending flags a driver as active but not yet located. Pending
	// drivers are not returned by Nearby.
	MarkPending(ctx context.Context, driverID string) error
	IsPending(ctx context.Context, driverID string) (bool, error)
}

func checkPartition(p models.Partition) error {
	if !p.Valid() {
		return apperrors.NewValidation(fmt.Sprintf("unknown partition %q", p))
	}
	return nil
}
