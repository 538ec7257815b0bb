// Package retention holds the retention policies of the audit trail and
// resolves which policy governs a given event.
//
// A policy applies to an event when it is active, lists the event's type
// and its riskScoreThreshold is at most the event's risk score. Among the
// applicable policies the one with the highest threshold wins; ties go to
// the policy with the lowest id (the one created first).
//
// Policies live in the retention_policies table. A default set is seeded
// on first startup, and policies.yaml may declare more (upserted by name).
package retention

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clinaudit/clinaudit/internal/audit"
)

var (
	// ErrNotFound is returned for an unknown policy id or name.
	ErrNotFound = errors.New("retention policy not found")
	// ErrInvalidPolicy wraps every validation failure.
	ErrInvalidPolicy = errors.New("invalid retention policy")
)

// Policy maps event characteristics to retention and archive windows.
type Policy struct {
	ID                  int64              `yaml:"-" json:"id"`
	Name                string             `yaml:"name" json:"name"`
	EventTypes          audit.EventTypeSet `yaml:"eventTypes" json:"applicableEventTypes"`
	RiskScoreThreshold  int                `yaml:"riskScoreThreshold" json:"riskScoreThreshold"`
	RetentionPeriodDays int                `yaml:"retentionPeriodDays" json:"retentionPeriodDays"`
	// ArchiveAfterDays is 0 when events are never archived.
	ArchiveAfterDays int       `yaml:"archiveAfterDays,omitempty" json:"archiveAfterDays,omitempty"`
	ComplianceTag    string    `yaml:"complianceTag,omitempty" json:"complianceTag,omitempty"`
	Active           bool      `yaml:"active" json:"active"`
	CreatedBy        string    `yaml:"createdBy,omitempty" json:"createdBy,omitempty"`
	LastModified     time.Time `yaml:"-" json:"lastModified"`
}

// Archives reports whether the policy moves events to cold storage.
func (p *Policy) Archives() bool { return p.ArchiveAfterDays > 0 }

// Applies reports whether p governs an event of type t with the given score,
// ignoring other policies.
func (p *Policy) Applies(t audit.EventType, score int) bool {
	return p.Active && p.EventTypes.Has(t) && p.RiskScoreThreshold <= score
}

// Validate checks the policy invariants. Archiving may never be scheduled
// after purging.
func (p *Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	case p.EventTypes.Empty():
		return fmt.Errorf("%w %q: at least one event type is required", ErrInvalidPolicy, p.Name)
	case p.RiskScoreThreshold < 0 || p.RiskScoreThreshold > audit.MaxRiskScore:
		return fmt.Errorf("%w %q: riskScoreThreshold %d outside [0, %d]",
			ErrInvalidPolicy, p.Name, p.RiskScoreThreshold, audit.MaxRiskScore)
	case p.RetentionPeriodDays <= 0:
		return fmt.Errorf("%w %q: retentionPeriodDays must be positive", ErrInvalidPolicy, p.Name)
	case p.ArchiveAfterDays < 0:
		return fmt.Errorf("%w %q: archiveAfterDays must not be negative", ErrInvalidPolicy, p.Name)
	case p.ArchiveAfterDays > p.RetentionPeriodDays:
		return fmt.Errorf("%w %q: archiveAfterDays %d exceeds retentionPeriodDays %d",
			ErrInvalidPolicy, p.Name, p.ArchiveAfterDays, p.RetentionPeriodDays)
	}
	return nil
}

// DefaultPolicies is the set seeded into an empty policy table.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:                "standard-access",
			EventTypes:          audit.NewEventTypeSet(audit.EventRead, audit.EventLogin, audit.EventLogout, audit.EventSystemAccess),
			RetentionPeriodDays: 2190, // 6 years
			ArchiveAfterDays:    365,
			ComplianceTag:       "HIPAA",
			Active:              true,
		},
		{
			Name:                "data-modification",
			EventTypes:          audit.NewEventTypeSet(audit.EventCreate, audit.EventUpdate, audit.EventDelete),
			RetentionPeriodDays: 2555, // 7 years
			ArchiveAfterDays:    365,
			ComplianceTag:       "HIPAA",
			Active:              true,
		},
		{
			Name:                "security-events",
			EventTypes:          audit.NewEventTypeSet(audit.EventFailedLogin),
			RetentionPeriodDays: 2555,
			ArchiveAfterDays:    90,
			ComplianceTag:       "HIPAA",
			Active:              true,
		},
		{
			Name:                "data-export",
			EventTypes:          audit.NewEventTypeSet(audit.EventExport, audit.EventTransfer),
			RetentionPeriodDays: 2555,
			ArchiveAfterDays:    365,
			ComplianceTag:       "GDPR",
			Active:              true,
		},
		{
			Name:                "high-risk",
			EventTypes:          audit.NewEventTypeSet(audit.AllEventTypes()...),
			RiskScoreThreshold:  audit.AlertThreshold,
			RetentionPeriodDays: 3650, // 10 years
			ArchiveAfterDays:    730,
			ComplianceTag:       "HIPAA-HIGH-RISK",
			Active:              true,
		},
	}
}

// policiesFile is the YAML envelope for policies.yaml.
type policiesFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile reads declared policies from the given YAML path. A missing or
// empty file yields no policies. Policies without an explicit active flag
// are active.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policies %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw struct {
		Policies []yaml.Node `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing policies %s: %w", path, err)
	}

	policies := make([]Policy, 0, len(raw.Policies))
	for i := range raw.Policies {
		p := Policy{Active: true}
		if err := raw.Policies[i].Decode(&p); err != nil {
			return nil, fmt.Errorf("parsing policies %s: entry %d: %w", path, i+1, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policies %s: %w", path, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// WriteFile writes policies to path in the policies.yaml format.
func WriteFile(path string, policies []Policy) error {
	data, err := yaml.Marshal(&policiesFile{Policies: policies})
	if err != nil {
		return fmt.Errorf("marshaling policies: %w", err)
	}
	header := "# clinaudit retention policies\n# Applied at startup and on change, matched by name.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
