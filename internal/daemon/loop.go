// Package daemon reconciles the playback signal with the inhibitor.
//
// Every tick refreshes the signal. Start/stop decisions are only taken once
// the scheduled decision point is reached, which is aligned with the
// inhibitor's own lifetime, so brief pause/resume flicker does not respawn
// the child.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"tools.zach/dev/swaddle/internal/inhibit"
	"tools.zach/dev/swaddle/internal/logger"
	"tools.zach/dev/swaddle/internal/mpris"
	"tools.zach/dev/swaddle/internal/status"
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Monitor produces the playback signal. inhibiting tells it whether an
// inhibitor is believed to be running.
type Monitor interface {
	Poll(ctx context.Context, inhibiting bool) (mpris.Signal, error)
}

// Supervisor owns the inhibitor child.
type Supervisor interface {
	Start() error
	Renew() error
	Stop() error
	State() inhibit.State
	Expired() bool
	Snapshot() inhibit.Info
}

// ///////////////////////////////////////////////
// Loop
// ///////////////////////////////////////////////

// Options configures [New].
type Options struct {
	// InhibitDuration is the lifetime of each inhibitor and the spacing of
	// decision points while inhibiting.
	InhibitDuration time.Duration
	// PollInterval is the sleep between ticks while not inhibiting.
	PollInterval time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Report, when set, receives a snapshot after every tick.
	Report func(status.Snapshot)
}

// ScheduleState is the loop's own bookkeeping.
type ScheduleState struct {
	// NextCheckAt is the earliest time the next start/stop decision is taken.
	NextCheckAt time.Time
	// Running is true once a start succeeded and until the next stop.
	Running bool
}

// Loop drives a Monitor and a Supervisor. It is not safe for concurrent use;
// one goroutine calls Tick or Run.
type Loop struct {
	monitor Monitor
	sup     Supervisor
	opts    Options

	sched ScheduleState
	last  mpris.Signal
}

// New returns a Loop whose first tick takes a decision immediately.
func New(monitor Monitor, sup Supervisor, opts Options) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{monitor: monitor, sup: sup, opts: opts}
}

// Schedule returns the current schedule.
func (l *Loop) Schedule() ScheduleState {
	return l.sched
}

// Tick refreshes the signal, acts on it if a decision is due, and returns how
// long to sleep before the next tick.
func (l *Loop) Tick(ctx context.Context) time.Duration {
	sig, err := l.monitor.Poll(ctx, l.sched.Running)
	if err != nil {
		slog.Warn("playback poll failed, assuming nothing is playing", "error", err)
		sig = mpris.Signal{}
	}
	l.logTransition(sig)
	l.last = sig

	now := l.opts.Now()
	if !now.Before(l.sched.NextCheckAt) {
		l.decide(now, sig)
	} else {
		logger.Trace(slog.Default(), "decision not due", "next_check_at", l.sched.NextCheckAt.Format(time.RFC3339))
	}

	l.report(now)

	if sig.Playing && l.sched.Running {
		return l.opts.PollInterval + l.opts.InhibitDuration
	}
	return l.opts.PollInterval
}

func (l *Loop) decide(now time.Time, sig mpris.Signal) {
	if !sig.Playing {
		if l.sup.State() != inhibit.StateIdle {
			slog.Info("nothing playing, releasing inhibitor")
		}
		if err := l.sup.Stop(); err != nil {
			slog.Error("stop inhibitor", "error", err)
		}
		l.sched.Running = false
		return
	}

	switch {
	case l.sup.State() == inhibit.StateIdle:
		if err := l.sup.Start(); err != nil {
			slog.Error("start inhibitor", "error", err)
			l.sched.Running = false
			return
		}
		l.sched.Running = true
		l.sched.NextCheckAt = now.Add(l.opts.InhibitDuration)

	case l.sup.Expired():
		if err := l.sup.Renew(); err != nil {
			slog.Error("renew inhibitor", "error", err)
			l.sched.Running = false
			return
		}
		l.sched.Running = true
		l.sched.NextCheckAt = now.Add(l.opts.InhibitDuration)
		slog.Debug("inhibitor renewed", "player", sig.Player)

	default:
		logger.Trace(slog.Default(), "already inhibiting")
	}
}

func (l *Loop) logTransition(sig mpris.Signal) {
	switch {
	case sig.Playing && !l.last.Playing:
		slog.Info("playback detected", "player", sig.Player)
	case !sig.Playing && l.last.Playing:
		slog.Info("playback stopped", "player", l.last.Player)
	}
}

func (l *Loop) report(now time.Time) {
	if l.opts.Report == nil {
		return
	}
	info := l.sup.Snapshot()
	l.opts.Report(status.Snapshot{
		PID:          os.Getpid(),
		Playing:      l.last.Playing,
		Player:       l.last.Player,
		Inhibiting:   info.State == inhibit.StateActive,
		State:        info.State.String(),
		InhibitorPID: info.PID,
		NextCheckAt:  l.sched.NextCheckAt,
		ExpiresAt:    info.ExpiresAt,
		UpdatedAt:    now,
	})
}

// Run ticks until ctx is cancelled, then stops the inhibitor and returns nil.
// Cancellation interrupts the sleep between ticks.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("reconciliation loop started",
		"inhibit_duration", l.opts.InhibitDuration.String(),
		"poll_interval", l.opts.PollInterval.String(),
	)
	defer l.shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		d := l.Tick(ctx)

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (l *Loop) shutdown() {
	slog.Info("reconciliation loop stopping")
	if err := l.sup.Stop(); err != nil {
		slog.Error("stop inhibitor on shutdown", "error", err)
	}
	l.sched.Running = false
	l.last = mpris.Signal{}
	l.report(l.opts.Now())
}
