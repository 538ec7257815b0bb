// Package alert escalates audit findings to humans: high-risk captured
// events and chain corruption found by the verifier.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/metrics"
)

// Severity orders alerts for routing.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

var severityNames = [...]string{Info: "info", Warning: "warning", Critical: "critical"}

func (s Severity) String() string {
	if s < Info || s > Critical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity parses "info", "warning" or "critical". An empty string is Info.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "critical":
		return Critical, nil
	}
	return Info, fmt.Errorf("unknown alert severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Alert kinds.
const (
	KindHighRiskEvent   = "high_risk_event"
	KindChainCorruption = "chain_corruption"
)

// Alert is one human-actionable notification.
type Alert struct {
	Severity  Severity       `json:"severity"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
	Name() string
}

// Dispatcher fans alerts out to every notifier. Delivery runs in the
// background; Dispatch never blocks on a slow destination. A nil
// *Dispatcher drops alerts.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Nil notifiers are skipped.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{timeout: 30 * time.Second}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// Dispatch sends a to every notifier. Alerts dispatched once Wait has
// been called are logged and dropped.
func (d *Dispatcher) Dispatch(a Alert) {
	if d == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	metrics.AlertsRaised.WithLabelValues(a.Kind, a.Severity.String()).Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		slog.Error("alert dropped after shutdown", "kind", a.Kind, "severity", a.Severity.String(), "message", a.Message)
		return
	}
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := n.Notify(ctx, a); err != nil {
				slog.Error("alert delivery failed", "notifier", n.Name(), "kind", a.Kind, "error", err)
			}
		}(n)
	}
}

// Wait stops accepting alerts and blocks until all dispatched alerts were
// delivered or failed.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// HighRiskEvent builds the alert for a captured event that crossed the
// alert threshold.
func HighRiskEvent(e audit.AuditEvent) Alert {
	return Alert{
		Severity: Warning,
		Kind:     KindHighRiskEvent,
		Message: fmt.Sprintf("high-risk %s by %s on %s (score %d)",
			e.EventType, actorLabel(e), e.Endpoint, e.RiskScore),
		Timestamp: e.Timestamp,
		Details: map[string]any{
			"eventId":      e.ID,
			"chainIndex":   e.ChainIndex,
			"eventType":    e.EventType.String(),
			"actorId":      e.ActorID,
			"facilityCode": e.FacilityCode,
			"endpoint":     e.Endpoint,
			"riskScore":    e.RiskScore,
			"riskFactors":  e.RiskFactors,
			"sourceIp":     e.Network.SourceIP,
		},
	}
}

// ChainCorruption builds the alert for a failed verification.
func ChainCorruption(rec audit.IntegrityCheckRecord) Alert {
	return Alert{
		Severity: Critical,
		Kind:     KindChainCorruption,
		Message: fmt.Sprintf("audit chain integrity check failed: %d corrupted event(s), intact up to index %d; manual review required",
			len(rec.CorruptedEventIDs), rec.LastValidIndex),
		Timestamp: rec.Timestamp,
		Details: map[string]any{
			"lastValidIndex":     rec.LastValidIndex,
			"totalEventsScanned": rec.TotalEventsScanned,
			"corruptedEventIds":  rec.CorruptedEventIDs,
			"performedBy":        rec.PerformedBy,
		},
	}
}

func actorLabel(e audit.AuditEvent) string {
	if e.ActorID != "" {
		return e.ActorID
	}
	return e.ActorName
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(_ context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case Warning:
		level = slog.LevelWarn
	case Critical:
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "alert: "+a.Message, "kind", a.Kind, "severity", a.Severity.String())
	return nil
}
