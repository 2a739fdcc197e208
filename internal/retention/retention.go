// Package retention periodically prunes terminal sessions (and, via foreign
// key cascade, their tasks, execution log, cost entries and plans) once they
// have aged past a configured number of days. Grounded directly on the
// teacher's internal/cron/scheduler.go, generalized from "fire due cron
// schedules read from a store table" to "wake on one fixed cron expression
// and prune whatever has aged past the retention window" — there is no
// schedules table here, so Sweeper computes its own cutoff from
// RetentionDays on every wake instead of asking the store what is due.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/substrate/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSchedule runs the sweep once a day at 03:00.
const DefaultSchedule = "0 3 * * *"

// Config holds the dependencies for a Sweeper.
type Config struct {
	Store *store.Store
	Log   *slog.Logger

	// RetentionDays is how long a terminal session's rows are kept before
	// becoming eligible for deletion. Sessions are never pruned while
	// RetentionDays <= 0 (retention disabled).
	RetentionDays int

	// Schedule is a 5-field cron expression naming when the sweep runs;
	// defaults to DefaultSchedule if empty.
	Schedule string
}

// Sweeper wakes on Config.Schedule and deletes every terminal session whose
// updated_at is older than RetentionDays.
type Sweeper struct {
	store         *store.Store
	log           *slog.Logger
	retentionDays int
	schedule      cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Sweeper from cfg. An invalid Schedule expression falls
// back to DefaultSchedule rather than failing construction, since a bad
// retention cron string should not be fatal to starting the daemon.
func New(cfg Config) *Sweeper {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		log.Warn("retention: invalid schedule, falling back to default", "schedule", expr, "error", err)
		sched, _ = cronParser.Parse(DefaultSchedule)
	}
	return &Sweeper{
		store: cfg.Store, log: log, retentionDays: cfg.RetentionDays, schedule: sched,
	}
}

// Start begins the sweep loop in a background goroutine. It respects ctx for
// shutdown; call Stop to wait for the loop to exit cleanly. Unlike the
// teacher's cron scheduler, Start does not sweep immediately on startup — a
// freshly restarted daemon should not stampede into a bulk delete before its
// first scheduled window.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("retention sweeper started", "retention_days", s.retentionDays)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass immediately. Exported so cmd/substrate can
// trigger an out-of-band sweep (e.g. a "gc" CLI verb) without waiting for the
// next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	sessions, err := s.store.ListPrunableSessions(ctx, cutoff)
	if err != nil {
		s.log.Error("retention: failed to list prunable sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			s.log.Error("retention: failed to delete session", "session_id", sess.ID, "error", err)
			continue
		}
		s.log.Info("retention: pruned session", "session_id", sess.ID, "name", sess.Name, "updated_at", sess.UpdatedAt)
	}
}
