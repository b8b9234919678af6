package models

import (
	"fmt"
	"time"
)

type WorkStatus string

const (
	StatusOn     WorkStatus = "On"
	StatusInTrip WorkStatus = "InTrip"
	StatusOff    WorkStatus = "Off"
)

// ParseWorkStatus accepts the stored spelling of a status.
func ParseWorkStatus(s string) (WorkStatus, error) {
	switch WorkStatus(s) {
	case StatusOn, StatusInTrip, StatusOff:
		return WorkStatus(s), nil
	}
	return "", fmt.Errorf("unknown work status %q", s)
}

// WorkStatusEvent is one entry of a driver's work-status ledger.
type WorkStatusEvent struct {
	ID       string     `json:"id"`
	DriverID string     `json:"driver_id"`
	Status   WorkStatus `json:"status"`
	Date     string     `json:"date"` // YYYY-MM-DD of OnAt
	OnAt     time.Time  `json:"on_at"`
	OffAt    *time.Time `json:"off_at,omitempty"`
}

const DateLayout = "2006-01-02"

// NewWorkStatusEvent stamps an event opened at the given instant.
func NewWorkStatusEvent(id, driverID string, status WorkStatus, at time.Time) WorkStatusEvent {
	at = at.UTC()
	return WorkStatusEvent{
		ID:       id,
		DriverID: driverID,
		Status:   status,
		Date:     at.Format(DateLayout),
		OnAt:     at,
	}
}

// Closed reports whether OffAt has been recorded.
func (e *WorkStatusEvent) Closed() bool {
	return e.OffAt != nil
}

// EffectiveStatus is Off once the event has been closed, the recorded
// status otherwise. A nil event is Off.
func (e *WorkStatusEvent) EffectiveStatus() WorkStatus {
	if e == nil || e.Closed() {
		return StatusOff
	}
	return e.Status
}

// Active reports whether the event represents an open work session.
func (e *WorkStatusEvent) Active() bool {
	s := e.EffectiveStatus()
	return s == StatusOn || s == StatusInTrip
}
