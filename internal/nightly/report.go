package nightly

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/retention"
)

// Compliance statuses.
const (
	StatusCompliant         = "COMPLIANT"
	StatusAttentionRequired = "ATTENTION_REQUIRED"
	StatusNonCompliant      = "NON_COMPLIANT"
)

// StatsSource is the part of the event store the report reads.
type StatsSource interface {
	Stats(ctx context.Context) (audit.Stats, error)
	LastIntegrityCheck(ctx context.Context) (*audit.IntegrityCheckRecord, error)
}

// PolicyLister lists retention policies.
type PolicyLister interface {
	Policies(ctx context.Context, includeInactive bool) ([]retention.Policy, error)
}

// Report is the compliance snapshot written after each nightly run.
type Report struct {
	GeneratedAt        time.Time                   `json:"generatedAt"`
	Status             string                      `json:"status"`
	Findings           []string                    `json:"findings,omitempty"`
	TotalEvents        int64                       `json:"totalEvents"`
	ArchivedEvents     int64                       `json:"archivedEvents"`
	PurgedEvents       int64                       `json:"purgedEvents"`
	HeadIndex          int64                       `json:"headIndex"`
	AlertsTriggered    int64                       `json:"alertsTriggered"`
	ActivePolicies     int                         `json:"activePolicies"`
	InactivePolicies   int                         `json:"inactivePolicies"`
	Policies           []retention.Policy          `json:"policies"`
	LastIntegrityCheck *audit.IntegrityCheckRecord `json:"lastIntegrityCheck,omitempty"`
	Steps              []StepResult                `json:"steps,omitempty"`
}

// Reporter builds compliance reports and writes them to Dir.
type Reporter struct {
	Events   StatsSource
	Policies PolicyLister
	Dir      string
	Now      func() time.Time
}

// Build assembles a report. steps are the outcomes of the run so far and
// may be empty for an on-demand report.
func (r *Reporter) Build(ctx context.Context, steps []StepResult) (Report, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	stats, err := r.Events.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading event stats: %w", err)
	}
	last, err := r.Events.LastIntegrityCheck(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading last integrity check: %w", err)
	}
	policies, err := r.Policies.Policies(ctx, true)
	if err != nil {
		return Report{}, fmt.Errorf("listing policies: %w", err)
	}

	rep := Report{
		GeneratedAt:        now().UTC(),
		TotalEvents:        stats.LiveEvents,
		ArchivedEvents:     stats.ArchivedEvents,
		PurgedEvents:       stats.PurgedEvents,
		HeadIndex:          stats.HeadIndex,
		AlertsTriggered:    stats.AlertsTriggered,
		Policies:           policies,
		LastIntegrityCheck: last,
		Steps:              steps,
	}
	for _, p := range policies {
		if p.Active {
			rep.ActivePolicies++
		} else {
			rep.InactivePolicies++
		}
	}
	rep.Status, rep.Findings = assess(rep)
	return rep, nil
}

// assess derives the status. A broken chain is non-compliant; anything that
// keeps the trail from being governed or proven is attention-required.
func assess(rep Report) (string, []string) {
	var findings []string
	if rep.LastIntegrityCheck != nil && !rep.LastIntegrityCheck.ChainValid {
		findings = append(findings, fmt.Sprintf("audit chain corrupted after index %d", rep.LastIntegrityCheck.LastValidIndex))
		return StatusNonCompliant, findings
	}
	if rep.LastIntegrityCheck == nil && rep.HeadIndex > 0 {
		findings = append(findings, "audit chain has never been verified")
	}
	if rep.ActivePolicies == 0 {
		findings = append(findings, "no active retention policy")
	}
	for _, s := range rep.Steps {
		if s.Error != "" {
			findings = append(findings, fmt.Sprintf("step %s failed: %s", s.Name, s.Error))
		}
	}
	if len(findings) > 0 {
		return StatusAttentionRequired, findings
	}
	return StatusCompliant, nil
}

// Write stores rep as Dir/compliance-YYYY-MM-DD.json and returns the path.
// A second report on the same day replaces the first.
func (r *Reporter) Write(rep Report) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o700); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}
	path := filepath.Join(r.Dir, "compliance-"+rep.GeneratedAt.Format("2006-01-02")+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}
