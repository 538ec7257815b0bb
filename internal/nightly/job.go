package nightly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clinaudit/clinaudit/internal/alert"
	"github.com/clinaudit/clinaudit/internal/archive"
	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/metrics"
)

// LeaseName is the job_leases row held while a run is in progress.
const LeaseName = "nightly"

// TickLeaseName is the job_leases row claiming one scheduled firing. It is
// completed, never released, once the run for that firing finished.
func TickLeaseName(tick time.Time) string {
	return LeaseName + "@" + tick.UTC().Format(time.RFC3339)
}

// Step names, in execution order.
const (
	StepVerify  = "verify"
	StepArchive = "archive"
	StepPurge   = "purge"
	StepReport  = "report"
)

// ErrAlreadyRunning is returned when Run is called while a run is in
// progress in this process.
var ErrAlreadyRunning = errors.New("nightly job already running")

// ChainVerifier checks the audit chain. *audit.Verifier implements it.
type ChainVerifier interface {
	Verify(ctx context.Context, performedBy string) (audit.IntegrityCheckRecord, error)
}

// Mover archives and purges. *archive.Scheduler implements it.
type Mover interface {
	ArchiveEligible(ctx context.Context) (archive.Result, error)
	PurgeExpired(ctx context.Context) (archive.Result, error)
}

// Alerter raises alerts. *alert.Dispatcher implements it.
type Alerter interface {
	Dispatch(a alert.Alert)
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string        `json:"name"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Summary is the outcome of one run.
type Summary struct {
	Holder     string                      `json:"holder"`
	StartedAt  time.Time                   `json:"startedAt"`
	FinishedAt time.Time                   `json:"finishedAt"`
	Integrity  *audit.IntegrityCheckRecord `json:"integrity,omitempty"`
	Archived   *archive.Result             `json:"archived,omitempty"`
	Purged     *archive.Result             `json:"purged,omitempty"`
	Report     *Report                     `json:"report,omitempty"`
	ReportPath string                      `json:"reportPath,omitempty"`
	Steps      []StepResult                `json:"steps"`
}

// Failed reports whether any step failed.
func (s Summary) Failed() bool {
	for _, st := range s.Steps {
		if st.Error != "" {
			return true
		}
	}
	return false
}

// JobOptions configures a Job.
type JobOptions struct {
	Verifier ChainVerifier
	Mover    Mover
	Reporter *Reporter
	Alerts   Alerter // nil drops alerts
	Lease    Locker  // nil runs without a cross-process lease

	Holder      string        // lease holder id; random when empty
	LeaseTTL    time.Duration // default 2h
	StepTimeout time.Duration // default 30m
}

// Job runs verify, archive, purge and report in that order. A failing,
// panicking or timed-out step is recorded and the next step still runs.
type Job struct {
	opts    JobOptions
	running atomic.Bool
}

// NewJob creates a job.
func NewJob(opts JobOptions) *Job {
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Hour
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Minute
	}
	return &Job{opts: opts}
}

// Run executes one nightly run. It returns ErrAlreadyRunning or
// ErrLeaseHeld without doing any work when another run owns the job.
// Step failures are reported in the summary, not as an error.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	if !j.running.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	if j.opts.Lease != nil {
		if err := j.opts.Lease.TryAcquire(ctx, LeaseName, j.opts.Holder, j.opts.LeaseTTL); err != nil {
			return Summary{}, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := j.opts.Lease.Release(releaseCtx, LeaseName, j.opts.Holder); err != nil {
				slog.Warn("nightly lease release failed", "error", err)
			}
		}()
	}

	sum := Summary{Holder: j.opts.Holder, StartedAt: time.Now().UTC()}
	slog.Info("nightly job started", "holder", j.opts.Holder)

	rec, res := runStep(ctx, j.opts.StepTimeout, StepVerify, func(ctx context.Context) (audit.IntegrityCheckRecord, error) {
		return j.opts.Verifier.Verify(ctx, "nightly:"+j.opts.Holder)
	})
	sum.Steps = append(sum.Steps, res)
	if res.Error == "" {
		sum.Integrity = &rec
		if !rec.ChainValid {
			slog.Error("audit chain corrupted, manual review required",
				"last_valid_index", rec.LastValidIndex,
				"corrupted", len(rec.CorruptedEventIDs),
			)
			if j.opts.Alerts != nil {
				j.opts.Alerts.Dispatch(alert.ChainCorruption(rec))
			}
		}
	}

	archived, res := runStep(ctx, j.opts.StepTimeout, StepArchive, j.opts.Mover.ArchiveEligible)
	sum.Steps = append(sum.Steps, withPolicyErrors(res, archived))
	if res.Error == "" {
		sum.Archived = &archived
	}

	purged, res := runStep(ctx, j.opts.StepTimeout, StepPurge, j.opts.Mover.PurgeExpired)
	sum.Steps = append(sum.Steps, withPolicyErrors(res, purged))
	if res.Error == "" {
		sum.Purged = &purged
	}

	steps := append([]StepResult(nil), sum.Steps...)
	type written struct {
		report Report
		path   string
	}
	out, res := runStep(ctx, j.opts.StepTimeout, StepReport, func(ctx context.Context) (written, error) {
		rep, err := j.opts.Reporter.Build(ctx, steps)
		if err != nil {
			return written{}, err
		}
		path, err := j.opts.Reporter.Write(rep)
		return written{report: rep, path: path}, err
	})
	sum.Steps = append(sum.Steps, res)
	if res.Error == "" {
		sum.Report = &out.report
		sum.ReportPath = out.path
	}

	sum.FinishedAt = time.Now().UTC()
	slog.Info("nightly job finished",
		"duration", sum.FinishedAt.Sub(sum.StartedAt),
		"failed", sum.Failed(),
		"report", sum.ReportPath,
	)
	return sum, nil
}

// RunTick runs the job for one scheduled firing. Of all processes sharing
// the lease table, only the first to claim tick runs it; the others get
// ErrLeaseHeld, also after this run has finished. A claim left by a
// crashed runner expires after LeaseTTL.
func (j *Job) RunTick(ctx context.Context, tick time.Time) (Summary, error) {
	if j.opts.Lease == nil {
		return j.Run(ctx)
	}
	name := TickLeaseName(tick)
	if err := j.opts.Lease.TryAcquire(ctx, name, j.opts.Holder, j.opts.LeaseTTL); err != nil {
		return Summary{}, err
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	sum, err := j.Run(ctx)
	if err != nil {
		// Nothing ran; give the firing back.
		if rerr := j.opts.Lease.Release(bg, name, j.opts.Holder); rerr != nil {
			slog.Warn("nightly tick release failed", "tick", tick, "error", rerr)
		}
		return sum, err
	}
	if err := j.opts.Lease.Complete(bg, name, j.opts.Holder); err != nil {
		slog.Warn("nightly tick completion failed", "tick", tick, "error", err)
	}
	return sum, nil
}

// withPolicyErrors marks a step failed when any policy failed inside it.
func withPolicyErrors(res StepResult, r archive.Result) StepResult {
	if res.Error == "" && len(r.Errors) > 0 {
		res.Error = fmt.Sprintf("%d policy error(s): %v", len(r.Errors), r.Errors[0])
	}
	return res
}

// runStep runs fn under a timeout. The step result only reaches the caller
// through the channel, so a timed-out step that is still unwinding cannot
// race with later steps.
func runStep[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, StepResult) {
	type outcome struct {
		val T
		err error
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(stepCtx)
		done <- outcome{val: v, err: err}
	}()

	var (
		zero T
		res  = StepResult{Name: name}
		out  outcome
	)
	select {
	case out = <-done:
	case <-stepCtx.Done():
		res.TimedOut = errors.Is(stepCtx.Err(), context.DeadlineExceeded)
		out = outcome{val: zero, err: fmt.Errorf("abandoned: %w", stepCtx.Err())}
	}
	res.Duration = time.Since(start)

	status := "ok"
	if out.err != nil {
		status = "error"
		res.Error = out.err.Error()
		slog.Error("nightly step failed", "step", name, "timed_out", res.TimedOut, "error", out.err)
	} else {
		slog.Info("nightly step completed", "step", name, "duration", res.Duration)
	}
	metrics.StepDuration.WithLabelValues(name, status).Observe(res.Duration.Seconds())
	return out.val, res
}
