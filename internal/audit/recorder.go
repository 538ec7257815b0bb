package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinaudit/clinaudit/internal/metrics"
)

// ErrRecorderClosed is returned by RecordSync after Close.
var ErrRecorderClosed = errors.New("audit recorder closed")

// Appender persists a candidate event at the chain head. *Store implements it.
type Appender interface {
	Append(ctx context.Context, e AuditEvent) (AuditEvent, error)
}

// Assessor scores an operation. at is the capture time; its hour drives
// the after-hours rule.
type Assessor interface {
	Assess(d Descriptor, o Outcome, at time.Time) Assessment
}

// Tagger supplies the compliance tags of a new event, typically the tag of
// the retention policy the event resolves to.
type Tagger interface {
	ComplianceTags(ctx context.Context, t EventType, score int) []string
}

// RecorderOptions configures a Recorder. Store and Assessor are required.
type RecorderOptions struct {
	Store     Appender
	Assessor  Assessor
	Sanitizer *Sanitizer // nil records no request snapshot
	Tagger    Tagger
	// StaticTags are attached to every event in addition to Tagger's.
	StaticTags []string
	QueueSize  int
	Workers    int
	// OnAppend is called from a worker after each successful append.
	OnAppend func(AuditEvent)
	Now      func() time.Time
}

// pending is a captured operation waiting for a worker. Scoring and the
// timestamp are fixed at capture time.
type pending struct {
	desc       Descriptor
	outcome    Outcome
	at         time.Time
	assessment Assessment
}

// Recorder is the capture side of the audit trail. Record never blocks the
// calling operation and never reports persistence failures to it; they are
// logged and counted instead.
type Recorder struct {
	opts  RecorderOptions
	queue chan pending
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the worker pool.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Recorder{
		opts:  opts,
		queue: make(chan pending, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record captures one audited operation. It returns immediately; the event
// is appended by a background worker. When the queue is full the event is
// dropped and logged.
func (r *Recorder) Record(d Descriptor, o Outcome) {
	p := r.capture(d, o)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped(p, "closed")
		return
	}
	select {
	case r.queue <- p:
	default:
		r.dropped(p, "queue_full")
	}
}

// RecordSync captures one operation and appends it before returning, for
// deployments where the business operation must fail if it cannot be audited.
func (r *Recorder) RecordSync(ctx context.Context, d Descriptor, o Outcome) (AuditEvent, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return AuditEvent{}, ErrRecorderClosed
	}

	e, err := r.persist(ctx, r.capture(d, o))
	if err != nil {
		metrics.CaptureFailures.WithLabelValues("append").Inc()
		return AuditEvent{}, err
	}
	return e, nil
}

// Close stops accepting events and waits for queued ones to be written,
// or for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining audit queue: %w", ctx.Err())
	}
}

func (r *Recorder) capture(d Descriptor, o Outcome) pending {
	at := r.opts.Now()
	if d.EventType == 0 {
		d.EventType = DeriveEventType(d.Verb, d.Endpoint, o.Status)
	}
	return pending{
		desc:       d,
		outcome:    o,
		at:         at,
		assessment: r.opts.Assessor.Assess(d, o, at),
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for p := range r.queue {
		if _, err := r.persist(context.Background(), p); err != nil {
			metrics.CaptureFailures.WithLabelValues("append").Inc()
			slog.Error("audit write failed",
				"event_type", p.desc.EventType.String(),
				"endpoint", p.desc.Endpoint,
				"actor_id", p.desc.ActorID,
				"error", err,
			)
		}
	}
}

// persist builds the candidate event and appends it. Panics in the
// sanitizer or tagger are turned into errors so a worker never dies.
func (r *Recorder) persist(ctx context.Context, p pending) (e AuditEvent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("building audit event: panic: %v", rec)
		}
	}()

	e = r.build(ctx, p)
	e, err = r.opts.Store.Append(ctx, e)
	if err != nil {
		return AuditEvent{}, err
	}
	if r.opts.OnAppend != nil {
		r.opts.OnAppend(e)
	}
	return e, nil
}

func (r *Recorder) build(ctx context.Context, p pending) AuditEvent {
	d := p.desc
	name := d.ActorName
	if name == "" {
		name = AnonymousActor
	}

	e := AuditEvent{
		EventType:      d.EventType,
		EntityType:     d.EntityType,
		EntityID:       d.EntityID,
		ActorID:        d.ActorID,
		ActorName:      name,
		FacilityCode:   d.FacilityCode,
		Network:        d.Network,
		Endpoint:       d.Endpoint,
		OperationVerb:  d.Verb,
		OutcomeStatus:  p.outcome.Status,
		RiskScore:      p.assessment.Score,
		RiskFactors:    p.assessment.Factors,
		AlertTriggered: p.assessment.Alert(),
		Timestamp:      p.at,
	}
	if p.outcome.ProcessingTime > 0 {
		ms := p.outcome.ProcessingTime.Milliseconds()
		e.ProcessingTimeMs = &ms
	}
	if r.opts.Sanitizer != nil {
		e.RequestSnapshot = r.opts.Sanitizer.Snapshot(d.Payload)
	}
	e.ComplianceTags = r.tags(ctx, d.EventType, p.assessment.Score)
	return e
}

func (r *Recorder) tags(ctx context.Context, t EventType, score int) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(list []string) {
		for _, tag := range list {
			if tag != "" && !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	add(r.opts.StaticTags)
	if r.opts.Tagger != nil {
		add(r.opts.Tagger.ComplianceTags(ctx, t, score))
	}
	return tags
}

func (r *Recorder) dropped(p pending, reason string) {
	metrics.CaptureFailures.WithLabelValues(reason).Inc()
	slog.Error("audit event dropped",
		"reason", reason,
		"event_type", p.desc.EventType.String(),
		"endpoint", p.desc.Endpoint,
		"actor_id", p.desc.ActorID,
	)
}
