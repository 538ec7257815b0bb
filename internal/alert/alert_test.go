package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinaudit/clinaudit/internal/audit"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func TestDispatcher_FansOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	d := NewDispatcher(a, nil, b)

	d.Dispatch(Alert{Severity: Warning, Kind: KindHighRiskEvent, Message: "x"})
	d.Wait()

	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Fatalf("deliveries = %d, %d, want 1, 1", len(a.alerts), len(b.alerts))
	}
	if a.alerts[0].Timestamp.IsZero() {
		t.Error("dispatch should stamp the alert")
	}
}

func TestDispatcher_DropsAfterWait(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(Alert{Severity: Warning, Kind: KindHighRiskEvent, Message: "x"})
		}()
	}
	d.Wait()
	wg.Wait()

	n.mu.Lock()
	delivered := len(n.alerts)
	n.mu.Unlock()

	d.Dispatch(Alert{Severity: Critical, Kind: KindChainCorruption, Message: "late"})
	d.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.alerts) != delivered {
		t.Errorf("alert dispatched after Wait was delivered")
	}
}

func TestDispatcher_NilIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(Alert{Kind: "x"})
	d.Wait()
}

func TestChainCorruption(t *testing.T) {
	a := ChainCorruption(audit.IntegrityCheckRecord{
		LastValidIndex:    1,
		CorruptedEventIDs: []string{"b"},
	})
	if a.Severity != Critical || a.Kind != KindChainCorruption {
		t.Errorf("alert = %+v", a)
	}
}

func TestHighRiskEvent(t *testing.T) {
	a := HighRiskEvent(audit.AuditEvent{
		ID: "e1", EventType: audit.EventDelete, ActorID: "u-1", Endpoint: "/api/patients/1", RiskScore: 9,
	})
	if a.Severity != Warning || a.Details["eventId"] != "e1" {
		t.Errorf("alert = %+v", a)
	}
}

func TestParseSeverity(t *testing.T) {
	for in, want := range map[string]Severity{"": Info, "INFO": Info, "warn": Warning, "critical": Critical} {
		got, err := ParseSeverity(in)
		if err != nil || got != want {
			t.Errorf("ParseSeverity(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Error("unknown severity should fail")
	}
}

func TestWebhook_PostsJSON(t *testing.T) {
	type received struct {
		alert Alert
		auth  string
	}
	ch := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		json.NewDecoder(r.Body).Decode(&a)
		ch <- received{alert: a, auth: r.Header.Get("Authorization")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	err := n.Notify(context.Background(), Alert{Severity: Critical, Kind: KindChainCorruption, Message: "broken"})
	if err != nil {
		t.Fatal(err)
	}
	r := <-ch
	got, auth := r.alert, r.auth
	if got.Kind != KindChainCorruption || got.Severity != Critical || auth != "Bearer t" {
		t.Errorf("received %+v auth %q", got, auth)
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	n.retryDelay = time.Millisecond
	if err := n.Notify(context.Background(), Alert{Kind: "x"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhook_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	n.retryDelay = time.Millisecond
	if err := n.Notify(context.Background(), Alert{Kind: "x"}); err == nil {
		t.Error("4xx should fail")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhook_MinSeverity(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, MinSeverity: Critical})
	n.Notify(context.Background(), Alert{Severity: Warning, Kind: KindHighRiskEvent})
	n.Notify(context.Background(), Alert{Severity: Critical, Kind: KindChainCorruption})
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want only the critical alert", calls.Load())
	}
}
