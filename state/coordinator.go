// Package state is the only entry point that mutates a driver's working
// state. It sequences writes to the work-status ledger and the presence
// index, which are not updated in one transaction: every step is either
// idempotent or compensated, and the reconcile sweep repairs what a crash
// leaves behind.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"driver-state-service/apperrors"
	"driver-state-service/config"
	"driver-state-service/geohash"
	"driver-state-service/ledger"
	"driver-state-service/models"
	"driver-state-service/presence"
)

type Options struct {
	// PartitionSource is config.PartitionSourceLedger or
	// config.PartitionSourceSticky.
	PartitionSource string
	SeedOnActivate  bool
}

func OptionsFromConfig(cfg config.PresenceConfig) Options {
	return Options{PartitionSource: cfg.PartitionSource, SeedOnActivate: cfg.SeedOnActivate}
}

// Result is returned by ToggleWorkingState.
type Result struct {
	Status models.WorkStatus `json:"status"`
}

type Coordinator struct {
	ledger ledger.Ledger
	index  presence.Index
	locks  *KeyedMutex
	opts   Options
	log    logrus.FieldLogger

	now   func() time.Time
	newID func() string
}

func NewCoordinator(l ledger.Ledger, idx presence.Index, opts Options, log logrus.FieldLogger) *Coordinator {
	if opts.PartitionSource == "" {
		opts.PartitionSource = config.PartitionSourceLedger
	}
	return &Coordinator{
		ledger: l,
		index:  idx,
		locks:  NewKeyedMutex(),
		opts:   opts,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// WithLock runs fn while holding the driver's lock. Every state-changing
// operation on a driver goes through it.
func (c *Coordinator) WithLock(ctx context.Context, driverID string, fn func(ctx context.Context) error) error {
	unlock, err := c.locks.Lock(ctx, driverID)
	if err != nil {
		return fmt.Errorf("lock driver %s: %w", driverID, err)
	}
	defer unlock()
	return fn(ctx)
}

// ToggleWorkingState opens (enabled) or closes a driver's work session.
func (c *Coordinator) ToggleWorkingState(ctx context.Context, driverID string, enabled bool) (Result, error) {
	driverID, err := normalizeID(driverID)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = c.WithLock(ctx, driverID, func(ctx context.Context) error {
		if enabled {
			res, err = c.goOnline(ctx, driverID)
		} else {
			res, err = c.goOffline(ctx, driverID)
		}
		return err
	})
	return res, err
}

func (c *Coordinator) goOnline(ctx context.Context, driverID string) (Result, error) {
	log := c.log.WithFields(logrus.Fields{"driver_id": driverID, "action": "go_online"})

	latest, err := c.ledger.Latest(ctx, driverID)
	if err != nil {
		return Result{}, err
	}
	if latest.Active() {
		log.WithField("status", latest.Status).Warn("driver already has an open work session")
		return Result{}, apperrors.NewConflict("already active: latest work status is " + string(latest.Status))
	}

	ev := models.NewWorkStatusEvent(c.newID(), driverID, models.StatusOn, c.now())
	if err := c.ledger.Append(ctx, ev); err != nil {
		return Result{}, err
	}

	if c.opts.SeedOnActivate {
		if err := c.index.MarkPending(ctx, driverID); err != nil {
			// undo the session so the driver is not left On but untracked
			if cerr := c.ledger.Close(ctx, ev.ID, c.now()); cerr != nil {
				log.WithError(cerr).Error("failed to roll back work session after pending mark failed")
				return Result{}, errors.Join(err, cerr)
			}
			return Result{}, err
		}
	}

	log.WithField("event_id", ev.ID).Info("driver went online")
	return Result{Status: models.StatusOn}, nil
}

func (c *Coordinator) goOffline(ctx context.Context, driverID string) (Result, error) {
	log := c.log.WithFields(logrus.Fields{"driver_id": driverID, "action": "go_offline"})

	free, err := c.index.IsMember(ctx, driverID, models.PartitionFree)
	if err != nil {
		return Result{}, err
	}
	pending := false
	if !free && c.opts.SeedOnActivate {
		if pending, err = c.index.IsPending(ctx, driverID); err != nil {
			return Result{}, err
		}
		free = pending
	}
	if !free {
		log.Warn("offline rejected: driver is not free")
		return Result{}, apperrors.NewConflict("driver is not marked as free; cannot turn off")
	}

	// remembered so the removal can be undone if the ledger write fails
	prev, err := c.index.Locate(ctx, driverID)
	if err != nil {
		return Result{}, err
	}
	undo := func(cause error) error {
		if prev == nil && pending {
			return c.restorePending(ctx, log, driverID, cause)
		}
		return c.restorePresence(ctx, log, prev, cause)
	}
	if err := c.index.Remove(ctx, driverID); err != nil {
		return Result{}, err
	}

	latest, err := c.ledger.Latest(ctx, driverID)
	if err != nil {
		return Result{}, undo(err)
	}
	if latest == nil {
		log.Error("presence entry without any work status event")
		return Result{}, apperrors.NewFatalInconsistency("no prior On event to close for driver " + driverID)
	}
	if latest.Closed() {
		log.WithField("event_id", latest.ID).Warn("driver was indexed although its session is already closed")
	}

	if err := c.ledger.Close(ctx, latest.ID, c.now()); err != nil {
		return Result{}, undo(err)
	}

	log.WithField("event_id", latest.ID).Info("driver went offline")
	return Result{Status: models.StatusOff}, nil
}

func (c *Coordinator) restorePending(ctx context.Context, log logrus.FieldLogger, driverID string, cause error) error {
	if err := c.index.MarkPending(ctx, driverID); err != nil {
		log.WithError(err).Error("failed to restore pending mark; reconcile sweep will repair")
		return errors.Join(cause, err)
	}
	return cause
}

// restorePresence puts back an entry removed by a go-offline that could not
// complete, and returns the original failure.
func (c *Coordinator) restorePresence(ctx context.Context, log logrus.FieldLogger, prev *models.Presence, cause error) error {
	if prev == nil {
		return cause
	}
	if err := c.index.Place(ctx, prev.DriverID, prev.Partition, prev.Latitude, prev.Longitude); err != nil {
		log.WithError(err).Error("failed to restore presence entry; reconcile sweep will repair")
		return errors.Join(cause, err)
	}
	return cause
}

// PostLocation records a coordinate for a driver with an open session.
func (c *Coordinator) PostLocation(ctx context.Context, driverID string, lat, lng float64) error {
	driverID, err := normalizeID(driverID)
	if err != nil {
		return err
	}
	if err := geohash.Validate(lat, lng); err != nil {
		return apperrors.NewValidation(err.Error())
	}

	return c.WithLock(ctx, driverID, func(ctx context.Context) error {
		log := c.log.WithFields(logrus.Fields{"driver_id": driverID, "action": "post_location"})

		latest, err := c.ledger.Latest(ctx, driverID)
		if err != nil {
			return err
		}
		if latest == nil {
			return apperrors.NewInvalidState("no work status found for driver; cannot stream location")
		}
		status := latest.EffectiveStatus()
		if status != models.StatusOn && status != models.StatusInTrip {
			return apperrors.NewInvalidState("driver is not in On or InTrip status; cannot stream location")
		}

		var partition models.Partition
		if c.opts.PartitionSource == config.PartitionSourceSticky {
			if partition, err = c.index.Upsert(ctx, driverID, lat, lng); err != nil {
				return err
			}
		} else {
			partition = models.PartitionFor(status)
			if err := c.index.Place(ctx, driverID, partition, lat, lng); err != nil {
				return err
			}
		}

		log.WithFields(logrus.Fields{"partition": partition, "status": status}).Debug("location stored")
		return nil
	})
}

// StartTrip applies the dispatch collaborator's decision that an On driver
// is now on a trip. Repeating it is a no-op.
func (c *Coordinator) StartTrip(ctx context.Context, driverID string) error {
	return c.tripTransition(ctx, driverID, models.StatusOn, models.StatusInTrip, "start_trip")
}

// EndTrip returns an InTrip driver to On. Repeating it is a no-op.
func (c *Coordinator) EndTrip(ctx context.Context, driverID string) error {
	return c.tripTransition(ctx, driverID, models.StatusInTrip, models.StatusOn, "end_trip")
}

func (c *Coordinator) tripTransition(ctx context.Context, driverID string, from, to models.WorkStatus, action string) error {
	driverID, err := normalizeID(driverID)
	if err != nil {
		return err
	}

	return c.WithLock(ctx, driverID, func(ctx context.Context) error {
		log := c.log.WithFields(logrus.Fields{"driver_id": driverID, "action": action})

		latest, err := c.ledger.Latest(ctx, driverID)
		if err != nil {
			return err
		}
		switch latest.EffectiveStatus() {
		case to:
			// the ledger step may have committed on an earlier attempt
			// whose presence step failed
			log.Debug("transition already recorded")
			return c.movePresence(ctx, log, driverID, models.PartitionFor(to))
		case from:
		default:
			return apperrors.NewInvalidState(fmt.Sprintf("driver must be %s to %s, is %s",
				from, strings.ReplaceAll(action, "_", " "), latest.EffectiveStatus()))
		}

		next := models.NewWorkStatusEvent(c.newID(), driverID, to, c.now())
		if err := c.ledger.Transition(ctx, latest.ID, next); err != nil {
			return err
		}
		if err := c.movePresence(ctx, log, driverID, models.PartitionFor(to)); err != nil {
			return err
		}

		log.WithFields(logrus.Fields{"from": from, "to": to, "event_id": next.ID}).Info("work status transitioned")
		return nil
	})
}

// movePresence re-places an indexed driver into p. Drivers without an entry
// are left alone; their next location update places them.
func (c *Coordinator) movePresence(ctx context.Context, log logrus.FieldLogger, driverID string, p models.Partition) error {
	loc, err := c.index.Locate(ctx, driverID)
	if err != nil || loc == nil || loc.Partition == p {
		return err
	}
	if err := c.index.Place(ctx, driverID, p, loc.Latitude, loc.Longitude); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"from": loc.Partition, "to": p}).Debug("presence entry moved")
	return nil
}

func normalizeID(driverID string) (string, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return "", apperrors.NewValidation("driver id is required")
	}
	return driverID, nil
}
