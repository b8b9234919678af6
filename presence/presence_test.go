package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driver-state-service/apperrors"
	"driver-state-service/models"
)

// backends runs the same behaviour against every Index implementation.
func backends(t *testing.T) map[string]func(t *testing.T) Index {
	return map[string]func(t *testing.T) Index{
		"memory": func(t *testing.T) Index { return NewMemoryIndex() },
		"redis": func(t *testing.T) Index {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedisIndex(rdb)
		},
	}
}

func assertExclusive(t *testing.T, idx Index, driverID string) {
	t.Helper()
	ctx := context.Background()
	free, err := idx.IsMember(ctx, driverID, models.PartitionFree)
	require.NoError(t, err)
	inTrip, err := idx.IsMember(ctx, driverID, models.PartitionInTrip)
	require.NoError(t, err)
	assert.False(t, free && inTrip, "driver %s is in both partitions", driverID)
}

func TestUpsertDefaultsToFree(t *testing.T) {
	for name, newIndex := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(t)

			p, err := idx.Upsert(ctx, "d1", 10.75, 106.70)
			require.NoError(t, err)
			assert.Equal(t, models.PartitionFree, p)

			ok, err := idx.IsMember(ctx, "d1", models.PartitionFree)
			require.NoError(t, err)
			assert.True(t, ok)
			assertExclusive(t, idx, "d1")
		})
	}
}

func TestUpsertIsStickyToInTrip(t *testing.T) {
	for name, newIndex := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(t)

			require.NoError(t, idx.Place(ctx, "d1", models.PartitionInTrip, 10.75, 106.70))
			p, err := idx.Upsert(ctx, "d1", 10.76, 106.71)
			require.NoError(t, err)
			assert.Equal(t, models.PartitionInTrip, p)

			free, _ := idx.IsMember(ctx, "d1", models.PartitionFree)
			assert.False(t, free)
			assertExclusive(t, idx, "d1")

			loc, err := idx.Locate(ctx, "d1")
			require.NoError(t, err)
			require.NotNil(t, loc)
			assert.Equal(t, models.PartitionInTrip, loc.Partition)
			assert.InDelta(t, 10.76, loc.Latitude, 1e-4)
			assert.InDelta(t, 106.71, loc.Longitude, 1e-4)
			assert.NotEmpty(t, loc.Geohash)
		})
	}
}

func TestPlaceMovesBetweenPartitions(t *testing.T) {
	for name, newIndex := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(t)

			require.NoError(t, idx.Place(ctx, "d1", models.PartitionFree, 10.75, 106.70))
			require.NoError(t, idx.Place(ctx, "d1", models.PartitionInTrip, 10.75, 106.70))

			inTrip, _ := idx.IsMember(ctx, "d1", models.PartitionInTrip)
			free, _ := idx.IsMember(ctx, "d1", models.PartitionFree)
			assert.True(t, inTrip)
			assert.False(t, free)

			err := idx.Place(ctx, "d1", models.Partition("parked"), 0, 0)
			assert.True(t, errors.Is(err, apperrors.ErrValidation))
		})
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	for name, newIndex := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(t)

			require.NoError(t, idx.Place(ctx, "d1", models.PartitionInTrip, 10.75, 106.70))
			require.NoError(t, idx.MarkPending(ctx, "d1"))
			require.NoError(t, idx.Remove(ctx, "d1"))
			require.NoError(t, idx.Remove(ctx, "d1"))

			for _, p := range models.Partitions {
				ok, err := idx.IsMember(ctx, "d1", p)
				require.NoError(t, err)
				assert.False(t, ok)
			}
			pending, _ := idx.IsPending(ctx, "d1")
			assert.False(t, pending)

			loc, err := idx.Locate(ctx, "d1")
			require.NoError(t, err)
			assert.Nil(t, loc)
		})
	}
}

func TestPendingClearedByLocation(t *testing.T) {
	for name, newIndex := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(t)

			require.NoError(t, idx.MarkPending(ctx, "d1"))
			pending, err := idx.IsPending(ctx, "d1")
			require.NoError(t, err)
			assert.True(t, pending)

			nearby, err := idx.Nearby(ctx, models.PartitionFree, 0, 0, 50, 10)
			require.NoError(t, err)
			assert.Empty(t, nearby)

			_, err = idx.Upsert(ctx, "d1", 10.75, 106.70)
			require.NoError(t, err)
			pending, _ = idx.IsPending(ctx, "d1")
			assert.False(t, pending)
		})
	}
}

func TestNearbyAndMembers(t *testing.T) {
	for name, newIndex := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idx := newIndex(t)

			require.NoError(t, idx.Place(ctx, "near", models.PartitionFree, 10.751, 106.701))
			require.NoError(t, idx.Place(ctx, "mid", models.PartitionFree, 10.76, 106.71))
			require.NoError(t, idx.Place(ctx, "busy", models.PartitionInTrip, 10.75, 106.70))
			require.NoError(t, idx.Place(ctx, "far", models.PartitionFree, 21.03, 105.85))

			got, err := idx.Nearby(ctx, models.PartitionFree, 10.75, 106.70, 5, 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "near", got[0].DriverID)
			assert.Equal(t, "mid", got[1].DriverID)
			assert.Less(t, got[0].DistanceKm, got[1].DistanceKm)

			limited, err := idx.Nearby(ctx, models.PartitionFree, 10.75, 106.70, 5, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			members, err := idx.Members(ctx, models.PartitionFree)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"near", "mid", "far"}, members)
		})
	}
}
