package nightly

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Runnable runs the job for one scheduled firing. *Job implements it.
type Runnable interface {
	RunTick(ctx context.Context, tick time.Time) (Summary, error)
}

// Runner triggers a Runnable on a Daily schedule until its context ends.
type Runner struct {
	Job      Runnable
	Schedule Daily
	Clock    Clock
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	clock := r.Clock
	if clock == nil {
		clock = RealClock{}
	}
	slog.Info("nightly scheduler started", "schedule", r.Schedule.String())

	for {
		now := clock.Now()
		next := r.Schedule.Next(now)
		slog.Debug("nightly job scheduled", "next", next)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(next.Sub(now)):
		}

		_, err := r.Job.RunTick(ctx, next)
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseHeld), errors.Is(err, ErrAlreadyRunning):
			slog.Info("nightly job skipped", "reason", err)
		default:
			slog.Error("nightly job failed", "error", err)
		}
	}
}
