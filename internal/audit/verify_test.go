package audit

import (
	"context"
	"testing"
	"time"
)

func appendN(t *testing.T, store *Store, risks ...int) []AuditEvent {
	t.Helper()
	var out []AuditEvent
	for _, r := range risks {
		e, err := store.Append(context.Background(), candidate(EventRead, r))
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestVerify_EmptyChain(t *testing.T) {
	store, _ := newTestStore(t)
	rec, err := NewVerifier(store).Verify(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChainValid || rec.TotalEventsScanned != 0 || rec.LastValidIndex != 0 {
		t.Errorf("empty chain: %+v", rec)
	}
}

func TestVerify_UntouchedChain(t *testing.T) {
	store, _ := newTestStore(t)
	appendN(t, store, 0, 1, 2, 3, 4)

	rec, err := NewVerifier(store).Verify(context.Background(), "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChainValid {
		t.Errorf("untouched chain should be valid, corrupted: %v", rec.CorruptedEventIDs)
	}
	if rec.LastValidIndex != 5 || rec.TotalEventsScanned != 5 {
		t.Errorf("LastValidIndex=%d TotalEventsScanned=%d, want 5/5", rec.LastValidIndex, rec.TotalEventsScanned)
	}
	if rec.ID == 0 {
		t.Error("integrity check should be persisted")
	}
}

func TestVerify_TamperedMiddleEvent(t *testing.T) {
	store, sqlDB := newTestStore(t)
	ctx := context.Background()

	events := appendN(t, store, 1, 8, 2)
	a, b, c := events[0], events[1], events[2]

	if a.ChainIndex != 1 || b.ChainIndex != 2 || c.ChainIndex != 3 {
		t.Fatalf("chain indices %d,%d,%d", a.ChainIndex, b.ChainIndex, c.ChainIndex)
	}
	if b.PreviousHash != a.EventHash || c.PreviousHash != b.EventHash {
		t.Fatal("events are not linked")
	}
	if a.AlertTriggered || !b.AlertTriggered || c.AlertTriggered {
		t.Errorf("alert flags = %v,%v,%v, want false,true,false", a.AlertTriggered, b.AlertTriggered, c.AlertTriggered)
	}

	// Simulate direct tampering by someone with database access.
	if _, err := sqlDB.Exec(`DROP TRIGGER audit_events_append_only`); err != nil {
		t.Fatal(err)
	}
	if _, err := sqlDB.Exec(`UPDATE audit_events SET entity_id = 'p-forged' WHERE id = ?`, b.ID); err != nil {
		t.Fatal(err)
	}

	rec, err := NewVerifier(store).Verify(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ChainValid {
		t.Error("tampered chain should be invalid")
	}
	if len(rec.CorruptedEventIDs) != 1 || rec.CorruptedEventIDs[0] != b.ID {
		t.Errorf("CorruptedEventIDs = %v, want [%s]", rec.CorruptedEventIDs, b.ID)
	}
	if rec.LastValidIndex != 1 {
		t.Errorf("LastValidIndex = %d, want 1", rec.LastValidIndex)
	}
	if rec.TotalEventsScanned != 3 {
		t.Errorf("TotalEventsScanned = %d, want 3", rec.TotalEventsScanned)
	}

	last, err := store.LastIntegrityCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ChainValid || len(last.CorruptedEventIDs) != 1 {
		t.Errorf("persisted check = %+v", last)
	}
}

func TestVerify_FreezesLastValidIndexAtFirstBreak(t *testing.T) {
	store, sqlDB := newTestStore(t)
	events := appendN(t, store, 0, 0, 0, 0, 0)

	if _, err := sqlDB.Exec(`DROP TRIGGER audit_events_append_only`); err != nil {
		t.Fatal(err)
	}
	for _, k := range []int{1, 3} {
		if _, err := sqlDB.Exec(`UPDATE audit_events SET actor_id = 'intruder' WHERE id = ?`, events[k].ID); err != nil {
			t.Fatal(err)
		}
	}

	rec, err := NewVerifier(store).Verify(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastValidIndex != 1 {
		t.Errorf("LastValidIndex = %d, want 1", rec.LastValidIndex)
	}
	if len(rec.CorruptedEventIDs) != 2 ||
		rec.CorruptedEventIDs[0] != events[1].ID || rec.CorruptedEventIDs[1] != events[3].ID {
		t.Errorf("CorruptedEventIDs = %v", rec.CorruptedEventIDs)
	}
}

func TestVerify_DetectsGap(t *testing.T) {
	store, sqlDB := newTestStore(t)
	events := appendN(t, store, 0, 0, 0, 0)

	if _, err := sqlDB.Exec(`DROP TRIGGER audit_events_governed_delete`); err != nil {
		t.Fatal(err)
	}
	if _, err := sqlDB.Exec(`DELETE FROM audit_events WHERE id = ?`, events[2].ID); err != nil {
		t.Fatal(err)
	}

	rec, err := NewVerifier(store).Verify(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ChainValid {
		t.Error("a silently removed event should invalidate the chain")
	}
	if rec.LastValidIndex != 2 {
		t.Errorf("LastValidIndex = %d, want 2", rec.LastValidIndex)
	}
	if len(rec.CorruptedEventIDs) != 1 || rec.CorruptedEventIDs[0] != events[3].ID {
		t.Errorf("CorruptedEventIDs = %v, want [%s]", rec.CorruptedEventIDs, events[3].ID)
	}
}

func TestVerify_PurgedPositionsKeepLinkage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	events := appendN(t, store, 0, 0, 0, 0)

	if _, err := store.Purge(ctx, events[:2], "standard-access", time.Now()); err != nil {
		t.Fatal(err)
	}

	rec, err := NewVerifier(store).Verify(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChainValid || rec.LastValidIndex != 4 || rec.TotalEventsScanned != 4 {
		t.Errorf("chain with tombstones: %+v", rec)
	}
}

func TestIntegrityHistory_NewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	v := NewVerifier(store)

	for _, who := range []string{"first", "second"} {
		if _, err := v.Verify(ctx, who); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := store.IntegrityHistory(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].PerformedBy != "second" {
		t.Errorf("history = %+v", hist)
	}
}
