package matching

import (
	"context"
	"fmt"

	"driver-state-service/apperrors"
	"driver-state-service/config"
	"driver-state-service/geohash"
	"driver-state-service/models"
	"driver-state-service/presence"
)

var ErrNoDriversNearby = apperrors.NewNotFound("no available drivers nearby")

// Finder looks up discoverable drivers in the free partition. It is a read
// path only; offering trips is the dispatcher's job.
type Finder struct {
	index         presence.Index
	initialRadius float64
	maxAttempts   int
}

func NewFinder(index presence.Index, cfg config.MatchingConfig) *Finder {
	return &Finder{index: index, initialRadius: cfg.InitialRadiusKm, maxAttempts: cfg.MaxAttempts}
}

// FindNearestFree searches around the rider, doubling the radius after
// every empty attempt.
func (f *Finder) FindNearestFree(ctx context.Context, lat, lon float64, limit int) ([]models.Presence, error) {
	if err := geohash.Validate(lat, lon); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	radius := f.initialRadius
	for i := 0; i < f.maxAttempts; i++ {
		drivers, err := f.index.Nearby(ctx, models.PartitionFree, lat, lon, radius, limit)
		if err != nil {
			return nil, err
		}
		if len(drivers) > 0 {
			return drivers, nil
		}
		radius *= 2
	}
	return nil, apperrors.Wrap(apperrors.NotFound,
		fmt.Sprintf("no available drivers within %.1f km", f.SearchRadius()), ErrNoDriversNearby)
}

// SearchRadius is the widest radius FindNearestFree will try.
func (f *Finder) SearchRadius() float64 {
	radius := f.initialRadius
	for i := 1; i < f.maxAttempts; i++ {
		radius *= 2
	}
	return radius
}
