// Package reconcile repairs drift between the work-status ledger and the
// presence index. The two stores are written without a shared transaction,
// so a crash between steps can leave them disagreeing; the sweep brings the
// index back in line with the ledger.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"driver-state-service/config"
	"driver-state-service/ledger"
	"driver-state-service/models"
	"driver-state-service/presence"
)

// Locker serializes repairs with the coordinator's own per-driver work.
type Locker interface {
	WithLock(ctx context.Context, driverID string, fn func(ctx context.Context) error) error
}

type Report struct {
	OrphansRemoved  int `json:"orphans_removed"`
	PartitionsFixed int `json:"partitions_fixed"`
	Untracked       int `json:"untracked"`
	UntrackedClosed int `json:"untracked_closed"`
	Errors          int `json:"errors"`
}

type Sweeper struct {
	ledger ledger.Ledger
	index  presence.Index
	locker Locker
	cfg    config.ReconcileConfig
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewSweeper(l ledger.Ledger, idx presence.Index, locker Locker, cfg config.ReconcileConfig, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		ledger: l,
		index:  idx,
		locker: locker,
		cfg:    cfg,
		log:    log.WithField("component", "reconcile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every cfg.Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("reconcile sweep failed")
			}
		}
	}
}

// Sweep makes one pass over both stores. Failures on individual drivers are
// logged and counted; only a failure to list a store aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	open, err := s.ledger.ListOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("list open sessions: %w", err)
	}
	sessions := make(map[string]models.WorkStatusEvent, len(open))
	for _, ev := range open {
		sessions[ev.DriverID] = ev
	}

	indexed := make(map[string]bool)
	for _, p := range models.Partitions {
		members, err := s.index.Members(ctx, p)
		if err != nil {
			return report, fmt.Errorf("list %s partition: %w", p, err)
		}
		for _, driverID := range members {
			indexed[driverID] = true
			ev, active := sessions[driverID]
			switch {
			case !active:
				s.repair(ctx, &report, driverID, s.removeOrphan, &report.OrphansRemoved)
			case models.PartitionFor(ev.Status) != p:
				s.repair(ctx, &report, driverID, s.fixPartition, &report.PartitionsFixed)
			}
		}
	}

	for driverID, ev := range sessions {
		if indexed[driverID] || s.now().Sub(ev.OnAt) < s.cfg.Grace {
			continue
		}
		s.repair(ctx, &report, driverID, s.handleUntracked(&report), &report.Untracked)
	}

	if report != (Report{}) {
		s.log.WithFields(logrus.Fields{
			"orphans_removed":  report.OrphansRemoved,
			"partitions_fixed": report.PartitionsFixed,
			"untracked":        report.Untracked,
			"untracked_closed": report.UntrackedClosed,
			"errors":           report.Errors,
		}).Info("reconcile sweep found drift")
	}
	return report, nil
}

// repairFunc re-checks a driver under its lock and reports whether it
// changed anything.
type repairFunc func(ctx context.Context, driverID string) (bool, error)

func (s *Sweeper) repair(ctx context.Context, report *Report, driverID string, fn repairFunc, counter *int) {
	err := s.locker.WithLock(ctx, driverID, func(ctx context.Context) error {
		changed, err := fn(ctx, driverID)
		if err == nil && changed {
			*counter++
		}
		return err
	})
	if err != nil {
		report.Errors++
		s.log.WithError(err).WithField("driver_id", driverID).Warn("reconcile repair failed")
	}
}

// removeOrphan drops an index entry whose driver has no open session.
func (s *Sweeper) removeOrphan(ctx context.Context, driverID string) (bool, error) {
	latest, err := s.ledger.Latest(ctx, driverID)
	if err != nil {
		return false, err
	}
	if latest.Active() {
		return false, nil
	}
	if err := s.index.Remove(ctx, driverID); err != nil {
		return false, err
	}
	s.log.WithField("driver_id", driverID).Info("removed presence entry of inactive driver")
	return true, nil
}

// fixPartition moves an entry into the partition its ledger status implies.
func (s *Sweeper) fixPartition(ctx context.Context, driverID string) (bool, error) {
	latest, err := s.ledger.Latest(ctx, driverID)
	if err != nil {
		return false, err
	}
	want := models.PartitionFor(latest.EffectiveStatus())
	loc, err := s.index.Locate(ctx, driverID)
	if err != nil || loc == nil || want == models.PartitionNone || loc.Partition == want {
		return false, err
	}
	if err := s.index.Place(ctx, driverID, want, loc.Latitude, loc.Longitude); err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"driver_id": driverID, "from": loc.Partition, "to": want}).
		Info("moved presence entry to ledger partition")
	return true, nil
}

// handleUntracked reports an open session that never got an index entry,
// and closes it when configured to.
func (s *Sweeper) handleUntracked(report *Report) repairFunc {
	return func(ctx context.Context, driverID string) (bool, error) {
		latest, err := s.ledger.Latest(ctx, driverID)
		if err != nil || !latest.Active() {
			return false, err
		}
		loc, err := s.index.Locate(ctx, driverID)
		if err != nil || loc != nil {
			return false, err
		}
		pending, err := s.index.IsPending(ctx, driverID)
		if err != nil || pending {
			return false, err
		}

		log := s.log.WithFields(logrus.Fields{"driver_id": driverID, "event_id": latest.ID, "on_at": latest.OnAt})
		if !s.cfg.CloseUntracked {
			log.Warn("open work session has no presence entry")
			return true, nil
		}
		if err := s.ledger.Close(ctx, latest.ID, s.now()); err != nil {
			return false, err
		}
		report.UntrackedClosed++
		log.Warn("closed open work session without presence entry")
		return true, nil
	}
}
