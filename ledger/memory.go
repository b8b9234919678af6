package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"driver-state-service/apperrors"
	"driver-state-service/models"
)

// MemoryLedger is an in-process Ledger with the same open-event constraint
// as the Postgres table. Used by tests and the memory backend.
type MemoryLedger struct {
	mu     sync.RWMutex
	events map[string][]models.WorkStatusEvent // by driver, append order
	byID   map[string]string                   // event id -> driver id
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[string][]models.WorkStatusEvent),
		byID:   make(map[string]string),
	}
}

func (l *MemoryLedger) Latest(_ context.Context, driverID string) (*models.WorkStatusEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var latest *models.WorkStatusEvent
	for i := range l.events[driverID] {
		ev := &l.events[driverID][i]
		if latest == nil || !ev.OnAt.Before(latest.OnAt) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyEvent(*latest), nil
}

func (l *MemoryLedger) Append(_ context.Context, ev models.WorkStatusEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ev)
}

func (l *MemoryLedger) appendLocked(ev models.WorkStatusEvent) error {
	if _, dup := l.byID[ev.ID]; dup {
		return fmt.Errorf("append event: duplicate id %s", ev.ID)
	}
	if ev.OffAt == nil {
		for _, existing := range l.events[ev.DriverID] {
			if existing.OffAt == nil {
				return apperrors.NewConflict("driver " + ev.DriverID + " already has an open work session")
			}
		}
	}
	l.events[ev.DriverID] = append(l.events[ev.DriverID], *copyEvent(ev))
	l.byID[ev.ID] = ev.DriverID
	return nil
}

func (l *MemoryLedger) Close(_ context.Context, eventID string, offAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := l.findLocked(eventID)
	if ev == nil {
		return apperrors.NewNotFound(fmt.Sprintf("work status event %s not found", eventID))
	}
	if ev.OffAt == nil {
		t := offAt.UTC()
		ev.OffAt = &t
	}
	return nil
}

func (l *MemoryLedger) Transition(_ context.Context, prevID string, next models.WorkStatusEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.findLocked(prevID)
	if prev == nil || prev.OffAt != nil {
		return apperrors.NewConflict("superseded event is no longer open")
	}
	if !next.OnAt.After(prev.OnAt) {
		next.OnAt = prev.OnAt.Add(time.Microsecond)
		next.Date = next.OnAt.Format(models.DateLayout)
	}
	t := next.OnAt.UTC()
	prev.OffAt = &t
	if err := l.appendLocked(next); err != nil {
		prev.OffAt = nil
		return err
	}
	return nil
}

func (l *MemoryLedger) History(_ context.Context, driverID string, limit int) ([]models.WorkStatusEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.WorkStatusEvent, 0, len(l.events[driverID]))
	for _, ev := range l.events[driverID] {
		out = append(out, *copyEvent(ev))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OnAt.After(out[j].OnAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) ListOpen(_ context.Context) ([]models.WorkStatusEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.WorkStatusEvent
	for _, events := range l.events {
		for _, ev := range events {
			if ev.OffAt == nil {
				out = append(out, *copyEvent(ev))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OnAt.Before(out[j].OnAt) })
	return out, nil
}

func (l *MemoryLedger) findLocked(eventID string) *models.WorkStatusEvent {
	driverID, ok := l.byID[eventID]
	if !ok {
		return nil
	}
	for i := range l.events[driverID] {
		if l.events[driverID][i].ID == eventID {
			return &l.events[driverID][i]
		}
	}
	return nil
}

func copyEvent(ev models.WorkStatusEvent) *models.WorkStatusEvent {
	if ev.OffAt != nil {
		t := *ev.OffAt
		ev.OffAt = &t
	}
	return &ev
}
