package audit

import (
	"strings"
	"testing"
	"time"
)

func testEvent() *AuditEvent {
	return &AuditEvent{
		EventType:     EventRead,
		EntityType:    "patient",
		EntityID:      "p-100",
		ActorID:       "u-7",
		Endpoint:      "/api/patients/p-100",
		OperationVerb: "GET",
		Timestamp:     time.Date(2026, 2, 12, 10, 0, 0, 123456789, time.UTC),
		PreviousHash:  "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := testEvent()

	hash1 := ComputeHash(e)
	hash2 := ComputeHash(e)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, HashPrefix) {
		t.Errorf("hash should start with %q, got %q", HashPrefix, hash1)
	}
	if len(hash1) != len(HashPrefix)+64 {
		t.Errorf("unexpected hash length %d", len(hash1))
	}
}

func TestComputeHash_TimezoneIndependent(t *testing.T) {
	e := testEvent()
	local := *e
	local.Timestamp = e.Timestamp.In(time.FixedZone("CET", 3600))

	if ComputeHash(e) != ComputeHash(&local) {
		t.Error("the same instant in another zone should hash identically")
	}
}

func TestComputeHash_GenesisDiffersFromEmptyString(t *testing.T) {
	e := testEvent()
	e.PreviousHash = ""
	genesis := ComputeHash(e)

	e.PreviousHash = "sha256:"
	if ComputeHash(e) == genesis {
		t.Error("genesis (null previous hash) should not collide with a non-empty previous hash")
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := testEvent()
	baseHash := ComputeHash(base)

	// Change each field and verify hash changes.
	tests := []struct {
		name   string
		modify func(e *AuditEvent)
	}{
		{"event_type", func(e *AuditEvent) { e.EventType = EventUpdate }},
		{"entity_type", func(e *AuditEvent) { e.EntityType = "encounter" }},
		{"entity_id", func(e *AuditEvent) { e.EntityID = "p-101" }},
		{"actor_id", func(e *AuditEvent) { e.ActorID = "u-8" }},
		{"endpoint", func(e *AuditEvent) { e.Endpoint = "/api/patients" }},
		{"operation_verb", func(e *AuditEvent) { e.OperationVerb = "HEAD" }},
		{"timestamp", func(e *AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) }},
		{"previous_hash", func(e *AuditEvent) { e.PreviousHash = "sha256:xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := *base // copy
			tt.modify(&modified)
			if ComputeHash(&modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestVerifyEvent_TamperedField(t *testing.T) {
	e := testEvent()
	e.EventHash = ComputeHash(e)

	if !verifyEvent(e) {
		t.Fatal("event with correct hash should verify")
	}

	e.EntityID = "p-999"
	if verifyEvent(e) {
		t.Error("event with tampered field should not verify")
	}
}

func TestEventType_ParseAndString(t *testing.T) {
	for _, et := range AllEventTypes() {
		parsed, err := ParseEventType(strings.ToLower(et.String()))
		if err != nil {
			t.Fatalf("ParseEventType(%q): %v", et, err)
		}
		if parsed != et {
			t.Errorf("round trip: got %v, want %v", parsed, et)
		}
	}
	if len(AllEventTypes()) != 10 {
		t.Errorf("expected 10 event types, got %d", len(AllEventTypes()))
	}
	if _, err := ParseEventType("PRINT"); err == nil {
		t.Error("unknown event type should fail to parse")
	}
	if EventType(0).Valid() || EventType(42).Valid() {
		t.Error("out-of-range event types should be invalid")
	}
}

func TestEventTypeSet(t *testing.T) {
	s, err := ParseEventTypeSet("read, DELETE,FAILED_LOGIN")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Has(EventRead) || !s.Has(EventDelete) || !s.Has(EventFailedLogin) {
		t.Errorf("set missing members: %v", s)
	}
	if s.Has(EventCreate) {
		t.Error("set should not contain CREATE")
	}
	if got := s.String(); got != "READ,DELETE,FAILED_LOGIN" {
		t.Errorf("String() = %q", got)
	}
	if !EventTypeSet(0).Empty() {
		t.Error("zero set should be empty")
	}
}

func TestDeriveEventType(t *testing.T) {
	tests := []struct {
		verb, endpoint string
		status         int
		want           EventType
	}{
		{"GET", "/api/patients/1", 200, EventRead},
		{"POST", "/api/patients", 201, EventCreate},
		{"PUT", "/api/patients/1", 200, EventUpdate},
		{"PATCH", "/api/patients/1", 200, EventUpdate},
		{"DELETE", "/api/patients/1", 204, EventDelete},
		{"POST", "/api/auth/login", 200, EventLogin},
		{"POST", "/api/auth/login", 401, EventFailedLogin},
		{"POST", "/api/auth/logout", 200, EventLogout},
		{"GET", "/api/records/export", 200, EventExport},
		{"POST", "/api/records/transfer", 200, EventTransfer},
		{"OPTIONS", "/api/health", 200, EventSystemAccess},
	}
	for _, tt := range tests {
		if got := DeriveEventType(tt.verb, tt.endpoint, tt.status); got != tt.want {
			t.Errorf("DeriveEventType(%s %s %d) = %v, want %v", tt.verb, tt.endpoint, tt.status, got, tt.want)
		}
	}
}

func TestAssessment_AlertThreshold(t *testing.T) {
	if (Assessment{Score: 6}).Alert() {
		t.Error("score 6 should not alert")
	}
	if !(Assessment{Score: 7}).Alert() {
		t.Error("score 7 should alert")
	}
}
