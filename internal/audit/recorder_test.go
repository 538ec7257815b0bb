package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fixedAssessor struct{ a Assessment }

func (f fixedAssessor) Assess(Descriptor, Outcome, time.Time) Assessment { return f.a }

type staticTagger []string

func (s staticTagger) ComplianceTags(context.Context, EventType, int) []string { return s }

type failingAppender struct {
	mu    sync.Mutex
	calls int
}

func (f *failingAppender) Append(context.Context, AuditEvent) (AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return AuditEvent{}, errors.New("disk full")
}

// blockingAppender holds every append until release is closed.
type blockingAppender struct {
	release chan struct{}
}

func (b *blockingAppender) Append(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	<-b.release
	return e, nil
}

func TestRecorder_RecordAppendsInBackground(t *testing.T) {
	store, _ := newTestStore(t)
	san, err := NewSanitizer(DefaultSecretKeys, 0)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var appended []AuditEvent
	now := time.Date(2026, 4, 2, 23, 30, 0, 0, time.UTC)

	r := NewRecorder(RecorderOptions{
		Store:      store,
		Assessor:   fixedAssessor{Assessment{Score: 8, Factors: []string{"DELETE_OPERATION", "SENSITIVE_ENDPOINT", "AFTER_HOURS"}}},
		Sanitizer:  san,
		Tagger:     staticTagger{"HIPAA", "RETENTION-7Y"},
		StaticTags: []string{"HIPAA"},
		OnAppend: func(e AuditEvent) {
			mu.Lock()
			appended = append(appended, e)
			mu.Unlock()
		},
		Now: func() time.Time { return now },
	})

	r.Record(Descriptor{
		Verb:     "DELETE",
		Endpoint: "/api/patients/p-9",
		ActorID:  "u-3",
		Payload:  map[string]any{"reason": "duplicate", "password": "hunter2"},
	}, Outcome{Status: 204, ProcessingTime: 42 * time.Millisecond})

	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(appended) != 1 {
		t.Fatalf("OnAppend called %d times, want 1", len(appended))
	}
	e := appended[0]
	if e.EventType != EventDelete {
		t.Errorf("derived event type = %v, want DELETE", e.EventType)
	}
	if e.ActorName != AnonymousActor {
		t.Errorf("ActorName = %q, want %q", e.ActorName, AnonymousActor)
	}
	if !e.AlertTriggered || e.RiskScore != 8 {
		t.Errorf("risk = %d alert = %v", e.RiskScore, e.AlertTriggered)
	}
	if e.ProcessingTimeMs == nil || *e.ProcessingTimeMs != 42 {
		t.Errorf("ProcessingTimeMs = %v", e.ProcessingTimeMs)
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want capture time %v", e.Timestamp, now)
	}
	if len(e.ComplianceTags) != 2 || e.ComplianceTags[0] != "HIPAA" || e.ComplianceTags[1] != "RETENTION-7Y" {
		t.Errorf("ComplianceTags = %v", e.ComplianceTags)
	}
	if got := string(e.RequestSnapshot); got != `{"password":"[REDACTED]","reason":"duplicate"}` {
		t.Errorf("RequestSnapshot = %s", got)
	}

	stored, err := store.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.EventHash != e.EventHash {
		t.Error("event reported to OnAppend should be the stored one")
	}
}

func TestRecorder_FailuresAreNotPropagated(t *testing.T) {
	app := &failingAppender{}
	r := NewRecorder(RecorderOptions{Store: app, Assessor: fixedAssessor{}})

	for i := 0; i < 3; i++ {
		r.Record(Descriptor{Verb: "GET", Endpoint: "/api/patients"}, Outcome{Status: 200})
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if app.calls != 3 {
		t.Errorf("append attempted %d times, want 3", app.calls)
	}
}

func TestRecorder_RecordSyncReturnsError(t *testing.T) {
	r := NewRecorder(RecorderOptions{Store: &failingAppender{}, Assessor: fixedAssessor{}})
	defer r.Close(context.Background())

	if _, err := r.RecordSync(context.Background(), Descriptor{Verb: "GET"}, Outcome{}); err == nil {
		t.Error("synchronous capture should surface the append error")
	}
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	app := &blockingAppender{release: make(chan struct{})}
	r := NewRecorder(RecorderOptions{Store: app, Assessor: fixedAssessor{}, QueueSize: 1, Workers: 1})

	done := make(chan struct{})
	go func() {
		// One in the worker, one queued, the rest dropped. Record must
		// return for every call even though nothing is being persisted.
		for i := 0; i < 10; i++ {
			r.Record(Descriptor{Verb: "GET"}, Outcome{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(app.release)
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRecorder_RecordAfterCloseDoesNotPanic(t *testing.T) {
	r := NewRecorder(RecorderOptions{Store: &failingAppender{}, Assessor: fixedAssessor{}})
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Record(Descriptor{Verb: "GET"}, Outcome{})
	if _, err := r.RecordSync(context.Background(), Descriptor{Verb: "GET"}, Outcome{}); !errors.Is(err, ErrRecorderClosed) {
		t.Errorf("RecordSync after Close = %v, want ErrRecorderClosed", err)
	}
}
