package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"driver-state-service/geohash"
	"driver-state-service/models"
)

const (
	FreeKey    = "drivers:geo:free"
	InTripKey  = "drivers:geo:intrip"
	PendingKey = "drivers:pending"
)

func keyFor(p models.Partition) string {
	if p == models.PartitionInTrip {
		return InTripKey
	}
	return FreeKey
}

// RedisIndex keeps each partition in a Redis GEO sorted set.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, lat, lng float64) (models.Partition, error) {
	var target models.Partition
	// WATCH the in-trip set so a concurrent move between the membership
	// test and the write aborts the transaction instead of splitting it.
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		inTrip, err := isMember(ctx, tx, InTripKey, driverID)
		if err != nil {
			return err
		}
		target = models.PartitionFree
		if inTrip {
			target = models.PartitionInTrip
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			place(ctx, pipe, driverID, target, lat, lng)
			return nil
		})
		return err
	}, InTripKey)
	if err != nil {
		return models.PartitionNone, fmt.Errorf("upsert %s: %w", driverID, err)
	}
	return target, nil
}

func (r *RedisIndex) Place(ctx context.Context, driverID string, p models.Partition, lat, lng float64) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		place(ctx, pipe, driverID, p, lat, lng)
		return nil
	})
	if err != nil {
		return fmt.Errorf("place %s in %s: %w", driverID, p, err)
	}
	return nil
}

func place(ctx context.Context, pipe redis.Pipeliner, driverID string, p models.Partition, lat, lng float64) {
	pipe.GeoAdd(ctx, keyFor(p), &redis.GeoLocation{Name: driverID, Longitude: lng, Latitude: lat})
	pipe.ZRem(ctx, keyFor(p.Other()), driverID)
	pipe.SRem(ctx, PendingKey, driverID)
}

func (r *RedisIndex) IsMember(ctx context.Context, driverID string, p models.Partition) (bool, error) {
	if err := checkPartition(p); err != nil {
		return false, err
	}
	ok, err := isMember(ctx, r.rdb, keyFor(p), driverID)
	if err != nil {
		return false, fmt.Errorf("membership of %s in %s: %w", driverID, p, err)
	}
	return ok, nil
}

type scorer interface {
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
}

func isMember(ctx context.Context, c scorer, key, driverID string) (bool, error) {
	err := c.ZScore(ctx, key, driverID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, FreeKey, driverID)
		pipe.ZRem(ctx, InTripKey, driverID)
		pipe.SRem(ctx, PendingKey, driverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Locate(ctx context.Context, driverID string) (*models.Presence, error) {
	for _, p := range models.Partitions {
		pos, err := r.rdb.GeoPos(ctx, keyFor(p), driverID).Result()
		if err != nil {
			return nil, fmt.Errorf("locate %s: %w", driverID, err)
		}
		if len(pos) == 0 || pos[0] == nil {
			continue
		}
		return &models.Presence{
			DriverID:  driverID,
			Partition: p,
			Latitude:  pos[0].Latitude,
			Longitude: pos[0].Longitude,
			Geohash:   geohash.Encode(pos[0].Latitude, pos[0].Longitude, geohash.CellPrecision),
		}, nil
	}
	return nil, nil
}

func (r *RedisIndex) Nearby(ctx context.Context, p models.Partition, lat, lng, radiusKm float64, limit int) ([]models.Presence, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	locs, err := r.rdb.GeoRadius(ctx, keyFor(p), lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("nearby in %s: %w", p, err)
	}
	out := make([]models.Presence, 0, len(locs))
	for _, loc := range locs {
		out = append(out, models.Presence{
			DriverID:   loc.Name,
			Partition:  p,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
			Geohash:    geohash.Encode(loc.Latitude, loc.Longitude, geohash.CellPrecision),
			DistanceKm: loc.Dist,
		})
	}
	return out, nil
}

func (r *RedisIndex) Members(ctx context.Context, p models.Partition) ([]string, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	ids, err := r.rdb.ZRange(ctx, keyFor(p), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", p, err)
	}
	return ids, nil
}

func (r *RedisIndex) MarkPending(ctx context.Context, driverID string) error {
	if err := r.rdb.SAdd(ctx, PendingKey, driverID).Err(); err != nil {
		return fmt.Errorf("mark %s pending: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) IsPending(ctx context.Context, driverID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, PendingKey, driverID).Result()
	if err != nil {
		return false, fmt.Errorf("pending check for %s: %w", driverID, err)
	}
	return ok, nil
}
