package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/db"
	"github.com/clinaudit/clinaudit/internal/retention"
)

var testNow = time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC)

type fixture struct {
	events   *audit.Store
	policies *retention.Engine
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &fixture{
		events:   audit.NewStore(sqlDB),
		policies: retention.NewEngine(retention.NewStore(sqlDB)),
		dir:      dir,
	}
}

func (f *fixture) policy(t *testing.T, p retention.Policy) retention.Policy {
	t.Helper()
	p.Active = true
	created, err := f.policies.CreatePolicy(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func (f *fixture) event(t *testing.T, et audit.EventType, risk int, age time.Duration) audit.AuditEvent {
	t.Helper()
	e, err := f.events.Append(context.Background(), audit.AuditEvent{
		EventType:     et,
		EntityType:    "patient",
		EntityID:      "p-1",
		ActorID:       "u-1",
		Endpoint:      "/api/patients/p-1",
		OperationVerb: "GET",
		RiskScore:     risk,
		Timestamp:     testNow.Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) scheduler(t *testing.T, sink Sink) *Scheduler {
	t.Helper()
	return NewScheduler(Options{
		Events:    f.events,
		Policies:  f.policies,
		Sink:      sink,
		BatchSize: 2,
		Now:       func() time.Time { return testNow },
	})
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestArchiveAndPurge_RetentionWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.policy(t, retention.Policy{
		Name:                "reads",
		EventTypes:          audit.NewEventTypeSet(audit.EventRead),
		RetentionPeriodDays: 90,
		ArchiveAfterDays:    30,
	})
	old := f.event(t, audit.EventRead, 0, days(95))
	f.event(t, audit.EventRead, 0, days(40))
	f.event(t, audit.EventRead, 0, days(5))

	sink, err := NewFileSink(filepath.Join(f.dir, "archive"))
	if err != nil {
		t.Fatal(err)
	}
	s := f.scheduler(t, sink)

	preview, err := s.Preview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(preview) != 1 || preview[0].ArchiveEligible != 2 || preview[0].PurgeEligible != 1 {
		t.Fatalf("Preview() = %+v, want 2 archive / 1 purge", preview)
	}

	archived, err := s.ArchiveEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if archived.Count != 2 || len(archived.Errors) != 0 {
		t.Fatalf("ArchiveEligible() = %+v, want 2", archived)
	}

	purged, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged.Count != 1 || len(purged.Errors) != 0 {
		t.Fatalf("PurgeExpired() = %+v, want 1", purged)
	}
	if _, err := f.events.Get(ctx, old.ID); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("95-day-old event should be purged, Get = %v", err)
	}

	// Idempotent: nothing new on a second pass.
	archived, _ = s.ArchiveEligible(ctx)
	purged, _ = s.PurgeExpired(ctx)
	if archived.Count != 0 || purged.Count != 0 {
		t.Errorf("second run archived %d purged %d, want 0/0", archived.Count, purged.Count)
	}

	st, err := f.events.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.LiveEvents != 2 || st.ArchivedEvents != 1 || st.PurgedEvents != 1 {
		t.Errorf("Stats() = %+v", st)
	}

	rec, err := audit.NewVerifier(f.events).Verify(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChainValid || rec.LastValidIndex != 3 {
		t.Errorf("chain after purge: %+v", rec)
	}

	// The archived copy holds both events, in chain order.
	files, _ := filepath.Glob(filepath.Join(f.dir, "archive", "reads", "*.jsonl"))
	var lines int
	for _, file := range files {
		lines += countLines(t, file)
	}
	if lines != 2 {
		t.Errorf("archive holds %d events in %d files, want 2", lines, len(files))
	}
}

func TestPurge_WithoutArchiveWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.policy(t, retention.Policy{
		Name:                "logins",
		EventTypes:          audit.NewEventTypeSet(audit.EventLogin),
		RetentionPeriodDays: 30,
	})
	f.event(t, audit.EventLogin, 0, days(31))
	f.event(t, audit.EventLogin, 0, days(29))

	res, err := f.scheduler(t, nil).PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 {
		t.Errorf("purged %d, want 1", res.Count)
	}
}

func TestPurge_WaitsForArchival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.policy(t, retention.Policy{
		Name:                "reads",
		EventTypes:          audit.NewEventTypeSet(audit.EventRead),
		RetentionPeriodDays: 90,
		ArchiveAfterDays:    30,
	})
	f.event(t, audit.EventRead, 0, days(95))

	res, err := f.scheduler(t, &memorySink{}).PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 0 {
		t.Errorf("unarchived event was purged")
	}
}

func TestArchive_OnlyResolvedPolicyOwnsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.policy(t, retention.Policy{
		Name:                "reads",
		EventTypes:          audit.NewEventTypeSet(audit.EventRead),
		RetentionPeriodDays: 365,
		ArchiveAfterDays:    30,
	})
	f.policy(t, retention.Policy{
		Name:                "high-risk",
		EventTypes:          audit.NewEventTypeSet(audit.AllEventTypes()...),
		RiskScoreThreshold:  7,
		RetentionPeriodDays: 3650,
		ArchiveAfterDays:    10,
	})
	risky := f.event(t, audit.EventRead, 8, days(20))
	f.event(t, audit.EventRead, 1, days(20))
	f.event(t, audit.EventExport, 0, days(400)) // no policy: never touched

	sink := &memorySink{}
	res, err := f.scheduler(t, sink).ArchiveEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 {
		t.Fatalf("archived %d, want 1", res.Count)
	}
	if len(sink.batches) != 1 || sink.batches[0].Policy != "high-risk" || sink.batches[0].Events[0].ID != risky.ID {
		t.Errorf("batches = %+v", sink.batches)
	}

	purged, err := f.scheduler(t, sink).PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged.Count != 0 {
		t.Errorf("event without a governing policy was purged")
	}
}

func TestArchive_PolicyFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.policy(t, retention.Policy{
		Name:                "reads",
		EventTypes:          audit.NewEventTypeSet(audit.EventRead),
		RetentionPeriodDays: 365,
		ArchiveAfterDays:    30,
	})
	f.policy(t, retention.Policy{
		Name:                "logins",
		EventTypes:          audit.NewEventTypeSet(audit.EventLogin),
		RetentionPeriodDays: 365,
		ArchiveAfterDays:    30,
	})
	f.event(t, audit.EventRead, 0, days(60))
	f.event(t, audit.EventLogin, 0, days(60))
	f.event(t, audit.EventLogin, 0, days(61))

	sink := &memorySink{failFor: "reads"}
	res, err := f.scheduler(t, sink).ArchiveEligible(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 {
		t.Errorf("archived %d, want 2 from the healthy policy", res.Count)
	}
	if len(res.Errors) != 1 || res.Errors[0].Policy != "reads" {
		t.Fatalf("errors = %+v", res.Errors)
	}

	// The failed batch was not marked, so it is retried on the next run.
	sink.failFor = ""
	res, _ = f.scheduler(t, sink).ArchiveEligible(ctx)
	if res.Count != 1 || len(res.Errors) != 0 {
		t.Errorf("retry = %+v, want the one READ event", res)
	}
}

func TestArchive_RequiresSink(t *testing.T) {
	f := newFixture(t)
	if _, err := f.scheduler(t, nil).ArchiveEligible(context.Background()); err == nil {
		t.Error("archiving without a sink should fail")
	}
}

// failingArchiveScan fails every scan for unarchived events.
type failingArchiveScan struct {
	*audit.Store
}

func (s failingArchiveScan) Candidates(ctx context.Context, f audit.CandidateFilter) ([]audit.AuditEvent, error) {
	if f.State == audit.Unarchived {
		return nil, errors.New("boom")
	}
	return s.Store.Candidates(ctx, f)
}

func TestPreview_PolicyErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.policy(t, retention.Policy{
		Name:                "reads",
		EventTypes:          audit.NewEventTypeSet(audit.EventRead),
		RetentionPeriodDays: 365,
		ArchiveAfterDays:    30,
	})
	f.policy(t, retention.Policy{
		Name:                "deletes",
		EventTypes:          audit.NewEventTypeSet(audit.EventDelete),
		RetentionPeriodDays: 30,
	})
	f.event(t, audit.EventRead, 0, days(60))
	f.event(t, audit.EventDelete, 0, days(31))
	f.event(t, audit.EventDelete, 0, days(40))
	f.event(t, audit.EventDelete, 0, days(10))

	sched := NewScheduler(Options{
		Events:    failingArchiveScan{f.events},
		Policies:  f.policies,
		BatchSize: 2,
		Now:       func() time.Time { return testNow },
	})
	preview, err := sched.Preview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(preview) != 2 {
		t.Fatalf("preview = %+v", preview)
	}
	if reads := preview[0]; reads.Policy != "reads" || !strings.Contains(reads.Error, "boom") {
		t.Errorf("reads = %+v, want the scan error", reads)
	}
	want := PolicyPreview{Policy: "deletes", PurgeEligible: 2}
	if preview[1] != want {
		t.Errorf("deletes = %+v, want %+v", preview[1], want)
	}
}

type fakeS3 struct {
	mu     sync.Mutex
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	client := &fakeS3{}
	sink := NewS3SinkWithClient(client, S3Options{Bucket: "audit-archive", Prefix: "/clinical/", KMSKeyID: "key-1"})

	batch := Batch{
		Policy:     "standard access",
		ArchivedAt: testNow,
		Events: []audit.AuditEvent{
			{ChainIndex: 7, EventType: audit.EventRead},
			{ChainIndex: 9, EventType: audit.EventRead},
		},
	}
	if err := sink.Put(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("PutObject called %d times", len(client.inputs))
	}
	in := client.inputs[0]
	if aws.ToString(in.Bucket) != "audit-archive" {
		t.Errorf("bucket = %q", aws.ToString(in.Bucket))
	}
	if want := "clinical/standard_access/000000000007-000000000009.jsonl"; aws.ToString(in.Key) != want {
		t.Errorf("key = %q, want %q", aws.ToString(in.Key), want)
	}
	if aws.ToString(in.SSEKMSKeyId) != "key-1" {
		t.Errorf("KMS key not set")
	}
	if in.Metadata["first-index"] != "7" || in.Metadata["last-index"] != "9" {
		t.Errorf("metadata = %v", in.Metadata)
	}
	if n := bytes.Count(client.bodies[0], []byte("\n")); n != 2 {
		t.Errorf("body has %d lines, want 2", n)
	}
	if !strings.HasPrefix(sink.Describe(), "s3://audit-archive/clinical") {
		t.Errorf("Describe() = %q", sink.Describe())
	}
}

func TestFileSink_RedeliveryOverwrites(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	batch := Batch{Policy: "reads", Events: []audit.AuditEvent{{ChainIndex: 1, EventType: audit.EventRead}}}
	for i := 0; i < 2; i++ {
		if err := sink.Put(context.Background(), batch); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "reads"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

type memorySink struct {
	mu      sync.Mutex
	failFor string
	batches []Batch
}

func (m *memorySink) Put(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Policy == m.failFor {
		return errors.New("bucket unavailable")
	}
	m.batches = append(m.batches, b)
	return nil
}

func (m *memorySink) Describe() string { return "memory" }

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}
