package presence

import (
	"context"
	"sync"

	"driver-state-service/geohash"
	"driver-state-service/models"
)

// MemoryIndex is an in-process Index backed by one R-tree per partition.
type MemoryIndex struct {
	mu      sync.Mutex
	trees   map[models.Partition]*geohash.Tree
	pending map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		trees: map[models.Partition]*geohash.Tree{
			models.PartitionFree:   geohash.NewTree(),
			models.PartitionInTrip: geohash.NewTree(),
		},
		pending: make(map[string]struct{}),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, driverID string, lat, lng float64) (models.Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := models.PartitionFree
	if m.trees[models.PartitionInTrip].Contains(driverID) {
		target = models.PartitionInTrip
	}
	m.placeLocked(driverID, target, lat, lng)
	return target, nil
}

func (m *MemoryIndex) Place(_ context.Context, driverID string, p models.Partition, lat, lng float64) error {
	if err := checkPartition(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeLocked(driverID, p, lat, lng)
	return nil
}

func (m *MemoryIndex) placeLocked(driverID string, p models.Partition, lat, lng float64) {
	m.trees[p].Put(driverID, lat, lng)
	m.trees[p.Other()].Delete(driverID)
	delete(m.pending, driverID)
}

func (m *MemoryIndex) IsMember(_ context.Context, driverID string, p models.Partition) (bool, error) {
	if err := checkPartition(p); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trees[p].Contains(driverID), nil
}

func (m *MemoryIndex) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tree := range m.trees {
		tree.Delete(driverID)
	}
	delete(m.pending, driverID)
	return nil
}

func (m *MemoryIndex) Locate(_ context.Context, driverID string) (*models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range models.Partitions {
		if item, ok := m.trees[p].Get(driverID); ok {
			return &models.Presence{
				DriverID:  driverID,
				Partition: p,
				Latitude:  item.Lat,
				Longitude: item.Lon,
				Geohash:   geohash.Encode(item.Lat, item.Lon, geohash.CellPrecision),
			}, nil
		}
	}
	return nil, nil
}

func (m *MemoryIndex) Nearby(_ context.Context, p models.Partition, lat, lng, radiusKm float64, limit int) ([]models.Presence, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := m.trees[p].Within(lat, lng, radiusKm)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]models.Presence, 0, len(matches))
	for _, match := range matches {
		out = append(out, models.Presence{
			DriverID:   match.ID,
			Partition:  p,
			Latitude:   match.Lat,
			Longitude:  match.Lon,
			Geohash:    geohash.Encode(match.Lat, match.Lon, geohash.CellPrecision),
			DistanceKm: match.DistanceKm,
		})
	}
	return out, nil
}

func (m *MemoryIndex) Members(_ context.Context, p models.Partition) ([]string, error) {
	if err := checkPartition(p); err != nil {
		return nil, err
	}
	return m.trees[p].IDs(), nil
}

func (m *MemoryIndex) MarkPending(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[driverID] = struct{}{}
	return nil
}

func (m *MemoryIndex) IsPending(_ context.Context, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[driverID]
	return ok, nil
}
