// Package dashboard serves the read-only operator API.
//
//   - GET /api/report      on-demand compliance report
//   - GET /api/events      audit events (actor, entityType, entityId, type,
//     minRisk, alerts, since, until, limit)
//   - GET /api/integrity   integrity check history
//   - GET /api/policies    retention policies (?all=true includes inactive)
//   - GET /api/preview     archive/purge eligibility per policy
//   - GET /ws              live alert feed
//   - GET /metrics         Prometheus metrics
//
// Nothing here mutates the audit trail.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinaudit/clinaudit/internal/alert"
	"github.com/clinaudit/clinaudit/internal/archive"
	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/nightly"
	"github.com/clinaudit/clinaudit/internal/retention"
)

// EventReader is the query side of the audit store.
type EventReader interface {
	Query(ctx context.Context, params audit.QueryParams) ([]audit.AuditEvent, error)
	IntegrityHistory(ctx context.Context, limit int) ([]audit.IntegrityCheckRecord, error)
}

// Previewer reports archive/purge eligibility. *archive.Scheduler implements it.
type Previewer interface {
	Preview(ctx context.Context) ([]archive.PolicyPreview, error)
}

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Events   EventReader
	Policies nightly.PolicyLister
	Reporter *nightly.Reporter
	Preview  Previewer // optional
}

// Dashboard serves the API and broadcasts alerts to websocket clients.
// It implements alert.Notifier.
type Dashboard struct {
	events   EventReader
	policies nightly.PolicyLister
	reporter *nightly.Reporter
	preview  Previewer
	hub      *wsHub
}

var _ alert.Notifier = (*Dashboard)(nil)

// New creates a dashboard and starts its websocket hub. Call Close to stop it.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		events:   opts.Events,
		policies: opts.Policies,
		reporter: opts.Reporter,
		preview:  opts.Preview,
		hub:      newWSHub(),
	}
	go d.hub.run()
	return d
}

// Close disconnects all websocket clients and stops the hub.
func (d *Dashboard) Close() { d.hub.stop() }

// Handler returns the routes listed in the package doc.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/report", d.handleReport)
	mux.HandleFunc("GET /api/events", d.handleEvents)
	mux.HandleFunc("GET /api/integrity", d.handleIntegrity)
	mux.HandleFunc("GET /api/policies", d.handlePolicies)
	mux.HandleFunc("GET /api/preview", d.handlePreview)
	mux.HandleFunc("GET /ws", d.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (d *Dashboard) Name() string { return "dashboard" }

// Notify pushes a to every connected websocket client. Clients that are
// not keeping up miss alerts rather than slowing the sender.
func (d *Dashboard) Notify(_ context.Context, a alert.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	d.hub.broadcast(data)
	return nil
}

// GET /api/report
func (d *Dashboard) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := d.reporter.Build(r.Context(), nil)
	if err != nil {
		serverError(w, "building report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /api/events?actor=u-1&type=DELETE&minRisk=7&limit=50
func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	params, err := ParseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := d.events.Query(r.Context(), params)
	if err != nil {
		serverError(w, "querying events", err)
		return
	}
	if events == nil {
		events = []audit.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GET /api/integrity?limit=20
func (d *Dashboard) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit", 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hist, err := d.events.IntegrityHistory(r.Context(), limit)
	if err != nil {
		serverError(w, "reading integrity history", err)
		return
	}
	if hist == nil {
		hist = []audit.IntegrityCheckRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// GET /api/policies?all=true
func (d *Dashboard) handlePolicies(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	policies, err := d.policies.Policies(r.Context(), all)
	if err != nil {
		serverError(w, "listing policies", err)
		return
	}
	if policies == nil {
		policies = []retention.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// GET /api/preview
func (d *Dashboard) handlePreview(w http.ResponseWriter, r *http.Request) {
	if d.preview == nil {
		http.Error(w, "preview not configured", http.StatusNotFound)
		return
	}
	preview, err := d.preview.Preview(r.Context())
	if err != nil {
		serverError(w, "previewing retention", err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// ParseQuery converts URL parameters to event query filters. Times are
// RFC 3339. The limit defaults to 50.
func ParseQuery(q url.Values) (audit.QueryParams, error) {
	params := audit.QueryParams{
		ActorID:    q.Get("actor"),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
	}

	var err error
	if s := q.Get("type"); s != "" {
		if params.EventType, err = audit.ParseEventType(s); err != nil {
			return params, err
		}
	}
	if params.MinRisk, err = intParam(q, "minRisk", 0); err != nil {
		return params, err
	}
	if params.Limit, err = intParam(q, "limit", 50); err != nil {
		return params, err
	}
	if s := q.Get("alerts"); s != "" {
		if params.AlertsOnly, err = strconv.ParseBool(s); err != nil {
			return params, fmt.Errorf("invalid alerts %q", s)
		}
	}
	if params.Since, err = timeParam(q, "since"); err != nil {
		return params, err
	}
	if params.Until, err = timeParam(q, "until"); err != nil {
		return params, err
	}
	return params, nil
}

func intParam(q url.Values, key string, def int) (int, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

func timeParam(q url.Values, key string) (time.Time, error) {
	s := q.Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC 3339", key, s)
	}
	return t, nil
}

func serverError(w http.ResponseWriter, what string, err error) {
	slog.Error(what+" failed", "error", err)
	http.Error(w, what+" failed", http.StatusInternalServerError)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
