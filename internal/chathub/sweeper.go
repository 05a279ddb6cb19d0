package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SweepReport counts what one sweep reclaimed.
type SweepReport struct {
	ExpiredWaiting int
	FinishedClosed int
	OrphanMessages int64
}

// Sweeper reclaims what sessions left behind: waiting rooms nobody joined, rooms stuck in
// Closed after an interrupted teardown, and messages whose room is gone.
type Sweeper struct {
	Teardown   *Teardown
	WaitingTTL time.Duration
	Interval   time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper. A zero waitingTTL keeps waiting rooms forever.
func NewSweeper(t *Teardown, waitingTTL, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		Teardown:   t,
		WaitingTTL: waitingTTL,
		Interval:   interval,
		log:        log,
		now:        time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("Sweeper started", "interval", s.Interval, "waiting_ttl", s.WaitingTTL)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Warn("Sweep incomplete", "error", err)
			}
			if report != (SweepReport{}) {
				s.log.Info("Sweep finished",
					"expired_waiting", report.ExpiredWaiting,
					"finished_closed", report.FinishedClosed,
					"orphan_messages", report.OrphanMessages)
			}
		}
	}
}

// SweepOnce runs every reclamation step once. Steps are independent: a failing step does not
// stop the others, and all failures are returned joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error
	store := s.Teardown.Storage
	now := s.now()

	if s.WaitingTTL > 0 {
		rooms, err := store.ListRooms(ctx, models.RoomWaiting, now.Add(-s.WaitingTTL))
		if err != nil {
			errs = append(errs, fmt.Errorf("listing waiting rooms: %w", err))
		}
		for _, room := range rooms {
			// Conditional: a joiner may claim the room while we sweep.
			deleted, err := store.DeleteRoomIf(ctx, room.RoomID, models.RoomWaiting)
			if err != nil {
				errs = append(errs, fmt.Errorf("expiring room %s: %w", room.RoomID, err))
				continue
			}
			if deleted {
				report.ExpiredWaiting++
			}
		}
	}

	closed, err := store.ListRooms(ctx, models.RoomClosed, now.Add(-config.ClosedRoomGrace))
	if err != nil {
		errs = append(errs, fmt.Errorf("listing closed rooms: %w", err))
	}
	for _, room := range closed {
		if err := s.Teardown.Destroy(ctx, room.RoomID); err != nil {
			errs = append(errs, err)
			continue
		}
		report.FinishedClosed++
	}

	purged, err := store.PurgeOrphanMessages(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("purging orphan messages: %w", err))
	}
	report.OrphanMessages = purged

	return report, errors.Join(errs...)
}
