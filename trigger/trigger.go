// Package trigger creates scheduled runs from a DAG's schedule.
//
// A Trigger is started once and runs until its context is cancelled:
//
//	t := trigger.New(d, runner, logger)
//	t.Start(ctx) // fires missed intervals, then every tick and after each finished run
//	<-ctx.Done()
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/scheduler"
)

// Target is what a Trigger creates runs on.
type Target interface {
	// TriggerScheduled creates and starts a scheduled run for logicalTime.
	TriggerScheduled(logicalTime time.Time) (string, error)
	// Watermark returns the logical time of the latest scheduled run.
	Watermark() (time.Time, bool)
	// RunFinished signals when a run finishes and may have freed a slot.
	RunFinished() <-chan struct{}
}

// Trigger fires scheduled runs according to a DAG's schedule.
type Trigger struct {
	schedule  dag.Schedule
	startDate time.Time
	catchup   bool
	target    Target
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Trigger for d.
func New(d *dag.DAG, target Target, logger *slog.Logger) *Trigger {
	return &Trigger{
		schedule:  d.Schedule(),
		startDate: d.StartDate(),
		catchup:   d.Catchup(),
		target:    target,
		logger:    logger.With("component", "trigger", "dag_id", d.ID(), "schedule", d.Schedule().String()),
		now:       time.Now,
	}
}

// Start launches the trigger loop and returns immediately. Manual schedules never fire.
func (t *Trigger) Start(ctx context.Context) {
	if t.schedule.IsManual() {
		t.logger.Info("manual schedule, trigger disabled")
		return
	}
	go t.loop(ctx)
}

// NextRun returns the next tick after now, or the zero time for manual schedules.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(t.now())
}

// CatchUp fires due intervals oldest first and returns the run IDs created.
// It stops at the first interval refused for too many active runs; that interval
// and the ones after it stay due and are fired once a run finishes.
func (t *Trigger) CatchUp() []string {
	watermark, _ := t.target.Watermark()
	due := DueTimes(t.schedule, t.startDate, watermark, t.now(), t.catchup)
	var created []string
	for i, logical := range due {
		runID, err := t.target.TriggerScheduled(logical)
		var limitErr *scheduler.ConcurrencyLimitError
		switch {
		case errors.As(err, &limitErr):
			t.logger.Info("deferring scheduled runs, too many active runs", "logical_time", logical, "pending", len(due)-i, "limit", limitErr.Limit)
			return created
		case errors.Is(err, scheduler.ErrRunExists):
			t.logger.Debug("scheduled run already exists", "logical_time", logical)
		case err != nil:
			t.logger.Error("failed to start scheduled run", "logical_time", logical, "error", err)
		default:
			t.logger.Info("started scheduled run", "logical_time", logical, "run_id", runID)
			created = append(created, runID)
		}
	}
	return created
}

func (t *Trigger) loop(ctx context.Context) {
	t.CatchUp()
	for {
		next := t.schedule.Next(t.now())
		wait := next.Sub(t.now())
		t.logger.Debug("waiting for next scheduled run", "next_run", next, "wait_duration", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Info("trigger shutting down")
			return
		case <-timer.C:
			t.CatchUp()
		case <-t.target.RunFinished():
			timer.Stop()
			t.CatchUp()
		}
	}
}

// DueTimes returns the schedule ticks that should have runs, oldest first.
//
// Ticks are due when they fall after watermark (or at or after startDate when
// watermark is zero) and not after now. Without catchup only the most recent
// due tick is returned. A zero startDate and zero watermark also yield at most
// the most recent tick.
func DueTimes(s dag.Schedule, startDate, watermark, now time.Time, catchup bool) []time.Time {
	if s.IsManual() {
		return nil
	}

	// from is exclusive.
	var from time.Time
	switch {
	case !watermark.IsZero():
		from = watermark
		if !startDate.IsZero() && startDate.After(from) {
			from = startDate.Add(-time.Nanosecond)
		}
	case !startDate.IsZero():
		from = startDate.Add(-time.Nanosecond)
	default:
		catchup = false
	}

	if !catchup {
		if latest, ok := latestTick(s, from, now); ok {
			return []time.Time{latest}
		}
		return nil
	}

	var due []time.Time
	for tick := s.Next(from); !tick.IsZero() && !tick.After(now); tick = s.Next(tick) {
		due = append(due, tick)
	}
	return due
}

// latestTick finds the last tick in (from, now] by searching windows ending
// at now that double in size. A zero from is unbounded.
func latestTick(s dag.Schedule, from, now time.Time) (time.Time, bool) {
	for window := time.Minute; ; window *= 2 {
		start := now.Add(-window)
		bounded := !from.IsZero() && !start.After(from)
		if bounded {
			start = from
		}

		var latest time.Time
		for tick := s.Next(start); !tick.IsZero() && !tick.After(now); tick = s.Next(tick) {
			latest = tick
		}
		if !latest.IsZero() {
			return latest, true
		}
		if bounded || window > 100*365*24*time.Hour {
			return time.Time{}, false
		}
	}
}
