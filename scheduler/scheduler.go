// Package scheduler runs the monitoring pipeline on an interval that is
// controlled remotely. The desired state (enabled flag, interval, active
// hours, pending trigger) lives in the control API; the scheduler polls
// it and converges.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is used when the remote state carries no interval.
const DefaultInterval = 3 * time.Hour

// checkInterval is how often the remote state is re-read between runs.
const checkInterval = time.Minute

// StateSource provides the desired state and records completed runs.
type StateSource interface {
	Fetch(ctx context.Context) (*State, error)
	MarkRun(ctx context.Context) error
}

// Scheduler drives the run function according to remote state.
type Scheduler struct {
	source StateSource
	run    func(ctx context.Context)
	logger *slog.Logger

	// test seams
	now        func() time.Time
	checkEvery time.Duration
}

func New(source StateSource, run func(ctx context.Context), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:     source,
		run:        run,
		logger:     logger,
		now:        time.Now,
		checkEvery: checkInterval,
	}
}

// Run blocks until ctx is cancelled. A run is attempted immediately on
// start, then on every interval tick; the remote state is re-read every
// minute so that triggers fire promptly and interval changes take effect
// without restarting.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := DefaultInterval
	state := s.fetchState(ctx)
	if state != nil {
		interval = state.Interval()
		s.logger.Info("scheduler started",
			"interval", interval, "enabled", state.Enabled,
			"start_hour", state.StartHour, "end_hour", state.EndHour)
		s.attempt(ctx, state)
	} else {
		s.logger.Info("scheduler started", "interval", interval)
	}

	monitor := time.NewTicker(interval)
	defer monitor.Stop()
	check := time.NewTicker(s.checkEvery)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()

		case <-monitor.C:
			if state = s.fetchState(ctx); state != nil {
				s.attempt(ctx, state)
			}

		case <-check.C:
			if state = s.fetchState(ctx); state == nil {
				continue
			}
			if next := state.Interval(); next != interval {
				s.logger.Info("interval changed", "from", interval, "to", next)
				interval = next
				monitor.Reset(interval)
			}
			if state.TriggerPending {
				s.logger.Info("trigger pending, running now")
				s.attempt(ctx, state)
			}
		}
	}
}

// attempt runs the pipeline when the state allows it. A pending trigger
// overrides both the enabled flag and the active-hours window.
func (s *Scheduler) attempt(ctx context.Context, state *State) {
	if reason := s.skipReason(state); reason != "" {
		s.logger.Info("run skipped", "reason", reason)
		return
	}

	start := s.now()
	s.run(ctx)
	s.logger.Info("run finished", "took", s.now().Sub(start))

	// Best effort: a failed mark leaves the trigger set and the next
	// config check will simply run again.
	if err := s.source.MarkRun(ctx); err != nil {
		s.logger.Warn("mark-run failed", "error", err)
	}
}

// skipReason returns why the run must be skipped, or "" to proceed.
func (s *Scheduler) skipReason(state *State) string {
	if state.TriggerPending {
		return ""
	}
	if !state.Enabled {
		return "disabled"
	}
	// The control API sends 0/0 when no window is configured; that means
	// unrestricted, not an empty window.
	if state.StartHour == 0 && state.EndHour == 0 {
		return ""
	}
	if state.StartHour > state.EndHour {
		return "invalid active hours"
	}
	h := s.now().UTC().Hour()
	if h < state.StartHour || h >= state.EndHour {
		return "outside active hours"
	}
	return ""
}

// fetchState reads the remote state. On failure it returns nil and the
// tick is skipped: without fresh state the scheduler must not run on
// stale assumptions. The ticker keeps going, so the next successful
// fetch resumes normal operation.
func (s *Scheduler) fetchState(ctx context.Context) *State {
	state, err := s.source.Fetch(ctx)
	if err != nil {
		s.logger.Warn("state fetch failed, skipping tick", "error", err)
		return nil
	}
	return state
}
