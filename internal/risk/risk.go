// Package risk scores audited operations.
//
// The score is additive over a fixed rule table and capped at 10:
//
//	DELETE                        +3  DELETE_OPERATION
//	CREATE / UPDATE               +1  DATA_MODIFICATION
//	FAILED_LOGIN                  +4  FAILED_LOGIN
//	sensitive endpoint            +3  SENSITIVE_ENDPOINT
//	hour outside business hours   +2  AFTER_HOURS
//	outcome status >= 400         +2  ERROR_RESPONSE
//	privileged actor              +1  PRIVILEGED_USER
//	page/result size > threshold  +5  BULK_OPERATION
//
// Factors are reported in that order. Scoring runs inline with the audited
// request, so it does no I/O and only allocates the factor slice.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/clinaudit/clinaudit/internal/audit"
)

// Factor names.
const (
	FactorDelete            = "DELETE_OPERATION"
	FactorDataModification  = "DATA_MODIFICATION"
	FactorFailedLogin       = "FAILED_LOGIN"
	FactorSensitiveEndpoint = "SENSITIVE_ENDPOINT"
	FactorAfterHours        = "AFTER_HOURS"
	FactorErrorResponse     = "ERROR_RESPONSE"
	FactorPrivilegedUser    = "PRIVILEGED_USER"
	FactorBulkOperation     = "BULK_OPERATION"
)

// Defaults for Config fields left zero.
var DefaultSensitiveEndpoints = []string{"/api/patients*", "/api/records*", "/api/prescriptions*"}

const (
	DefaultBusinessStart = 6
	DefaultBusinessEnd   = 22
	DefaultBulkThreshold = 100
)

// Config parameterizes the rule table.
type Config struct {
	// SensitiveEndpoints are glob patterns matched against the lowercased endpoint.
	SensitiveEndpoints []string
	// Business hours are [BusinessStart, BusinessEnd) in the scorer's location.
	BusinessStart int
	BusinessEnd   int
	BulkThreshold int
	// Location for the wall-clock hour. Nil means time.Local.
	Location *time.Location
}

// Input is everything the rule table looks at.
type Input struct {
	EventType  audit.EventType
	Endpoint   string
	Privileged bool
	PageSize   int
	Status     int
	Hour       int
}

// Scorer applies the rule table. It is safe for concurrent use.
type Scorer struct {
	sensitive  []glob.Glob
	start, end int
	bulk       int
	loc        *time.Location
}

// New compiles the sensitive-endpoint patterns.
func New(cfg Config) (*Scorer, error) {
	s := &Scorer{
		start: cfg.BusinessStart,
		end:   cfg.BusinessEnd,
		bulk:  cfg.BulkThreshold,
		loc:   cfg.Location,
	}
	if s.start == 0 && s.end == 0 {
		s.start, s.end = DefaultBusinessStart, DefaultBusinessEnd
	}
	if s.start < 0 || s.end > 24 || s.start >= s.end {
		return nil, fmt.Errorf("invalid business hours [%d, %d)", s.start, s.end)
	}
	if s.bulk <= 0 {
		s.bulk = DefaultBulkThreshold
	}
	if s.loc == nil {
		s.loc = time.Local
	}

	patterns := cfg.SensitiveEndpoints
	if patterns == nil {
		patterns = DefaultSensitiveEndpoints
	}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid sensitive endpoint pattern %q: %w", p, err)
		}
		s.sensitive = append(s.sensitive, g)
	}
	return s, nil
}

// Score evaluates in. The same input always yields the same assessment.
func (s *Scorer) Score(in Input) audit.Assessment {
	var a audit.Assessment
	add := func(points int, factor string) {
		for _, f := range a.Factors {
			if f == factor {
				return
			}
		}
		a.Score += points
		a.Factors = append(a.Factors, factor)
	}

	switch in.EventType {
	case audit.EventDelete:
		add(3, FactorDelete)
	case audit.EventCreate, audit.EventUpdate:
		add(1, FactorDataModification)
	case audit.EventFailedLogin:
		add(4, FactorFailedLogin)
	}
	if s.isSensitive(in.Endpoint) {
		add(3, FactorSensitiveEndpoint)
	}
	if in.Hour < s.start || in.Hour >= s.end {
		add(2, FactorAfterHours)
	}
	if in.Status >= 400 {
		add(2, FactorErrorResponse)
	}
	if in.Privileged {
		add(1, FactorPrivilegedUser)
	}
	if in.PageSize > s.bulk {
		add(5, FactorBulkOperation)
	}

	if a.Score > audit.MaxRiskScore {
		a.Score = audit.MaxRiskScore
	}
	return a
}

// Assess adapts a capture descriptor to the rule table. It implements
// audit.Assessor.
func (s *Scorer) Assess(d audit.Descriptor, o audit.Outcome, at time.Time) audit.Assessment {
	return s.Score(Input{
		EventType:  d.EventType,
		Endpoint:   d.Endpoint,
		Privileged: d.ActorPrivileged,
		PageSize:   d.PageSize,
		Status:     o.Status,
		Hour:       at.In(s.loc).Hour(),
	})
}

func (s *Scorer) isSensitive(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	e := strings.ToLower(endpoint)
	for _, g := range s.sensitive {
		if g.Match(e) {
			return true
		}
	}
	return false
}
