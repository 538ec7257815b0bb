// Package archive moves aging audit events to cold storage and purges them
// once their retention period has elapsed.
//
// Both batch operations walk the active retention policies one at a time.
// An event is only handled by the policy that resolves for it, so an event
// covered by several policies is archived and purged on the schedule of the
// winning one. Events no policy resolves for are never touched.
//
// A failure inside one policy is recorded and the next policy still runs.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/metrics"
	"github.com/clinaudit/clinaudit/internal/retention"
)

// DefaultBatchSize bounds the events read per query.
const DefaultBatchSize = 500

// EventStore is the slice of the audit store the scheduler uses.
// *audit.Store implements it.
type EventStore interface {
	Candidates(ctx context.Context, f audit.CandidateFilter) ([]audit.AuditEvent, error)
	MarkArchived(ctx context.Context, indices []int64, at time.Time) (int64, error)
	Purge(ctx context.Context, events []audit.AuditEvent, policy string, at time.Time) (int64, error)
}

// PolicySource supplies the active policies, ordered by id.
// *retention.Engine implements it.
type PolicySource interface {
	ActivePolicies(ctx context.Context) ([]retention.Policy, error)
}

// PolicyError is a failure isolated to one policy.
type PolicyError struct {
	Policy string
	Err    error
}

func (e PolicyError) Error() string { return fmt.Sprintf("policy %q: %v", e.Policy, e.Err) }

func (e PolicyError) Unwrap() error { return e.Err }

// MarshalText renders the error for JSON reports.
func (e PolicyError) MarshalText() ([]byte, error) { return []byte(e.Error()), nil }

// Result is the outcome of one archive or purge run.
type Result struct {
	Count  int64         `json:"count"`
	Errors []PolicyError `json:"errors,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	Events    EventStore
	Policies  PolicySource
	Sink      Sink
	BatchSize int
	Now       func() time.Time
}

// Scheduler runs the archival and purge workflows.
type Scheduler struct {
	events    EventStore
	policies  PolicySource
	sink      Sink
	batchSize int
	now       func() time.Time
}

// NewScheduler creates a scheduler. Sink is required for ArchiveEligible.
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		events:    opts.Events,
		policies:  opts.Policies,
		sink:      opts.Sink,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ArchiveEligible copies every unarchived event older than its policy's
// archive window to the sink and marks it archived. Already archived events
// are skipped, so a second run archives nothing new.
func (s *Scheduler) ArchiveEligible(ctx context.Context) (Result, error) {
	if s.sink == nil {
		return Result{}, errors.New("archiving events: no archive sink configured")
	}
	return s.run(ctx, "archive", func(ctx context.Context, p retention.Policy, snapshot []retention.Policy, now time.Time) (int64, error) {
		if !p.Archives() {
			return 0, nil
		}
		f := audit.CandidateFilter{
			Types:   p.EventTypes,
			MinRisk: p.RiskScoreThreshold,
			Before:  now.AddDate(0, 0, -p.ArchiveAfterDays),
			State:   audit.Unarchived,
		}
		return s.eachOwned(ctx, p, snapshot, f, func(batch []audit.AuditEvent) (int64, error) {
			if err := s.sink.Put(ctx, Batch{Policy: p.Name, Events: batch, ArchivedAt: now}); err != nil {
				return 0, err
			}
			indices := make([]int64, len(batch))
			for i, e := range batch {
				indices[i] = e.ChainIndex
			}
			n, err := s.events.MarkArchived(ctx, indices, now)
			if err == nil {
				metrics.EventsArchived.WithLabelValues(p.Name).Add(float64(n))
			}
			return n, err
		})
	})
}

// PurgeExpired deletes every event older than its policy's retention period.
// For policies that archive, only events already archived are purged. Each
// purged event leaves a tombstone in the chain.
func (s *Scheduler) PurgeExpired(ctx context.Context) (Result, error) {
	return s.run(ctx, "purge", func(ctx context.Context, p retention.Policy, snapshot []retention.Policy, now time.Time) (int64, error) {
		f := audit.CandidateFilter{
			Types:   p.EventTypes,
			MinRisk: p.RiskScoreThreshold,
			Before:  now.AddDate(0, 0, -p.RetentionPeriodDays),
			State:   audit.AnyArchiveState,
		}
		if p.Archives() {
			f.State = audit.Archived
		}
		return s.eachOwned(ctx, p, snapshot, f, func(batch []audit.AuditEvent) (int64, error) {
			n, err := s.events.Purge(ctx, batch, p.Name, now)
			if err == nil {
				metrics.EventsPurged.WithLabelValues(p.Name).Add(float64(n))
			}
			return n, err
		})
	})
}

// PolicyPreview is the dry-run eligibility of one policy.
type PolicyPreview struct {
	Policy          string `json:"policy"`
	ArchiveEligible int64  `json:"archiveEligible"`
	PurgeEligible   int64  `json:"purgeEligible"`
	Error           string `json:"error,omitempty"`
}

// Preview counts, per active policy, the events that are past the archive
// window and not archived yet, and the events past the retention period.
// Nothing is moved or deleted.
func (s *Scheduler) Preview(ctx context.Context) ([]PolicyPreview, error) {
	snapshot, err := s.policies.ActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading retention policies: %w", err)
	}
	now := s.now()

	count := func(p retention.Policy, f audit.CandidateFilter) (int64, error) {
		return s.eachOwned(ctx, p, snapshot, f, func(batch []audit.AuditEvent) (int64, error) {
			return int64(len(batch)), nil
		})
	}

	out := make([]PolicyPreview, 0, len(snapshot))
	for _, p := range snapshot {
		pv := PolicyPreview{Policy: p.Name}
		var err error
		if err = p.Validate(); err != nil {
			pv.Error = err.Error()
			out = append(out, pv)
			continue
		}
		if p.Archives() {
			pv.ArchiveEligible, err = count(p, audit.CandidateFilter{
				Types: p.EventTypes, MinRisk: p.RiskScoreThreshold,
				Before: now.AddDate(0, 0, -p.ArchiveAfterDays), State: audit.Unarchived,
			})
		}
		if err == nil {
			pv.PurgeEligible, err = count(p, audit.CandidateFilter{
				Types: p.EventTypes, MinRisk: p.RiskScoreThreshold,
				Before: now.AddDate(0, 0, -p.RetentionPeriodDays), State: audit.AnyArchiveState,
			})
		}
		if err != nil {
			pv.Error = err.Error()
		}
		out = append(out, pv)
	}
	return out, nil
}

type policyStep func(ctx context.Context, p retention.Policy, snapshot []retention.Policy, now time.Time) (int64, error)

// run applies step to every active policy, isolating failures. The policy
// set and the clock are read once so all policies see the same snapshot.
func (s *Scheduler) run(ctx context.Context, op string, step policyStep) (Result, error) {
	snapshot, err := s.policies.ActivePolicies(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading retention policies: %w", err)
	}
	now := s.now()

	var res Result
	for _, p := range snapshot {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := s.runPolicy(ctx, p, snapshot, now, step)
		res.Count += n
		if err != nil {
			res.Errors = append(res.Errors, PolicyError{Policy: p.Name, Err: err})
			slog.Error(op+" failed for policy", "policy", p.Name, "processed", n, "error", err)
			continue
		}
		if n > 0 {
			slog.Info(op+" completed for policy", "policy", p.Name, "count", n)
		}
	}
	return res, nil
}

func (s *Scheduler) runPolicy(ctx context.Context, p retention.Policy, snapshot []retention.Policy, now time.Time, step policyStep) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return step(ctx, p, snapshot, now)
}

// eachOwned pages through candidates matching f and hands fn the ones whose
// resolved policy is p. It returns the sum of fn's counts.
func (s *Scheduler) eachOwned(ctx context.Context, p retention.Policy, snapshot []retention.Policy,
	f audit.CandidateFilter, fn func([]audit.AuditEvent) (int64, error)) (int64, error) {

	f.Limit = s.batchSize
	var total int64
	for {
		candidates, err := s.events.Candidates(ctx, f)
		if err != nil {
			return total, err
		}
		if len(candidates) == 0 {
			return total, nil
		}
		f.AfterIndex = candidates[len(candidates)-1].ChainIndex

		owned := candidates[:0]
		for _, e := range candidates {
			if r := retention.Select(snapshot, e.EventType, e.RiskScore); r != nil && r.ID == p.ID {
				owned = append(owned, e)
			}
		}
		if len(owned) > 0 {
			n, err := fn(owned)
			total += n
			if err != nil {
				return total, err
			}
		}

		if len(candidates) < s.batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
