package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventType is the closed set of audited operation kinds.
type EventType uint8

const (
	EventCreate EventType = iota + 1
	EventRead
	EventUpdate
	EventDelete
	EventLogin
	EventLogout
	EventFailedLogin
	EventExport
	EventTransfer
	EventSystemAccess
)

// eventTypeNames is indexed by EventType. Adding a type without a name
// leaves an empty slot, which Valid() reports as invalid.
var eventTypeNames = [...]string{
	EventCreate:       "CREATE",
	EventRead:         "READ",
	EventUpdate:       "UPDATE",
	EventDelete:       "DELETE",
	EventLogin:        "LOGIN",
	EventLogout:       "LOGOUT",
	EventFailedLogin:  "FAILED_LOGIN",
	EventExport:       "EXPORT",
	EventTransfer:     "TRANSFER",
	EventSystemAccess: "SYSTEM_ACCESS",
}

// AllEventTypes returns every event type in declaration order.
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventTypeNames)-1)
	for t := EventCreate; int(t) < len(eventTypeNames); t++ {
		types = append(types, t)
	}
	return types
}

// Valid reports whether t is a member of the closed set.
func (t EventType) Valid() bool {
	return t > 0 && int(t) < len(eventTypeNames) && eventTypeNames[t] != ""
}

func (t EventType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
	return eventTypeNames[t]
}

// ParseEventType parses the canonical upper-case name (case-insensitive).
func ParseEventType(s string) (EventType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, t := range AllEventTypes() {
		if eventTypeNames[t] == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid event type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EventTypeSet is a bit set of event types, used by retention policies.
type EventTypeSet uint16

// NewEventTypeSet builds a set from the given types. Invalid types are ignored.
func NewEventTypeSet(types ...EventType) EventTypeSet {
	var s EventTypeSet
	for _, t := range types {
		s = s.With(t)
	}
	return s
}

// With returns a copy of s that also contains t.
func (s EventTypeSet) With(t EventType) EventTypeSet {
	if !t.Valid() {
		return s
	}
	return s | 1<<t
}

// Has reports whether t is in the set.
func (s EventTypeSet) Has(t EventType) bool {
	return t.Valid() && s&(1<<t) != 0
}

// Empty reports whether the set has no members.
func (s EventTypeSet) Empty() bool { return len(s.Types()) == 0 }

// Types returns the members in declaration order.
func (s EventTypeSet) Types() []EventType {
	var out []EventType
	for _, t := range AllEventTypes() {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Names returns the canonical member names in declaration order.
func (s EventTypeSet) Names() []string {
	types := s.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}

func (s EventTypeSet) String() string { return strings.Join(s.Names(), ",") }

// ParseEventTypeSet parses a comma-separated list of event type names.
func ParseEventTypeSet(s string) (EventTypeSet, error) {
	var set EventTypeSet
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseEventType(part)
		if err != nil {
			return 0, err
		}
		set = set.With(t)
	}
	return set, nil
}

func (s EventTypeSet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func (s *EventTypeSet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	parsed, err := ParseEventTypeSet(strings.Join(names, ","))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s EventTypeSet) MarshalYAML() (any, error) { return s.Names(), nil }

// UnmarshalYAML accepts either "eventTypes: READ" or "eventTypes: [READ, UPDATE]".
func (s *EventTypeSet) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	switch value.Kind {
	case yaml.ScalarNode:
		names = []string{value.Value}
	case yaml.SequenceNode:
		if err := value.Decode(&names); err != nil {
			return err
		}
	default:
		return fmt.Errorf("expected event type or list, got %v", value.Kind)
	}
	parsed, err := ParseEventTypeSet(strings.Join(names, ","))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AnonymousActor is recorded when the operation carries no actor name.
const AnonymousActor = "ANONYMOUS"

// Risk score bounds. An event raises an alert at AlertThreshold or above.
const (
	MaxRiskScore   = 10
	AlertThreshold = 7
)

// NetworkInfo is the source of an operation, logged verbatim.
type NetworkInfo struct {
	SourceIP  string `json:"sourceIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// AuditEvent is one link of the hash chain. It is immutable once appended;
// only ArchivedAt changes, through the archival workflow.
type AuditEvent struct {
	ID               string          `json:"id"`
	ChainIndex       int64           `json:"chainIndex"`
	EventType        EventType       `json:"eventType"`
	EntityType       string          `json:"entityType,omitempty"`
	EntityID         string          `json:"entityId,omitempty"`
	ActorID          string          `json:"actorId,omitempty"`
	ActorName        string          `json:"actorName"`
	FacilityCode     string          `json:"facilityCode,omitempty"`
	Network          NetworkInfo     `json:"networkInfo"`
	Endpoint         string          `json:"endpoint"`
	OperationVerb    string          `json:"operationVerb"`
	RequestSnapshot  json.RawMessage `json:"requestSnapshot,omitempty"`
	OutcomeStatus    int             `json:"outcomeStatus"`
	RiskScore        int             `json:"riskScore"`
	RiskFactors      []string        `json:"riskFactors"`
	AlertTriggered   bool            `json:"alertTriggered"`
	ProcessingTimeMs *int64          `json:"processingTimeMs,omitempty"`
	ComplianceTags   []string        `json:"complianceTags"`
	EventHash        string          `json:"eventHash"`
	PreviousHash     string          `json:"previousHash"` // empty for the genesis event
	Timestamp        time.Time       `json:"timestamp"`
	ArchivedAt       *time.Time      `json:"archivedAt,omitempty"`
}

// Genesis reports whether e is the first event of the chain.
func (e *AuditEvent) Genesis() bool { return e.PreviousHash == "" }

// Descriptor describes one audited operation, as handed over by the
// surrounding application. Ownership of Payload passes to the recorder.
type Descriptor struct {
	// EventType may be left zero; it is then derived from Verb and Endpoint.
	EventType       EventType
	Verb            string
	Endpoint        string
	EntityType      string
	EntityID        string
	ActorID         string
	ActorName       string
	ActorPrivileged bool
	FacilityCode    string
	Network         NetworkInfo
	Payload         any
	// PageSize is the requested page or result size, 0 when not applicable.
	PageSize int
}

// Outcome is the result of the audited operation.
type Outcome struct {
	Status         int
	ProcessingTime time.Duration // zero when unknown
}

// Assessment is a risk score with its contributing factors, in evaluation order.
type Assessment struct {
	Score   int
	Factors []string
}

// Alert reports whether the assessment crosses the alert threshold.
func (a Assessment) Alert() bool { return a.Score >= AlertThreshold }

// DeriveEventType maps a verb and endpoint to an event type when the caller
// did not name one. Authentication and bulk-movement paths win over the verb.
func DeriveEventType(verb, endpoint string, status int) EventType {
	path := strings.ToLower(endpoint)
	switch {
	case strings.Contains(path, "/login"):
		if status >= 400 {
			return EventFailedLogin
		}
		return EventLogin
	case strings.Contains(path, "/logout"):
		return EventLogout
	case strings.Contains(path, "/export"):
		return EventExport
	case strings.Contains(path, "/transfer"):
		return EventTransfer
	}

	switch strings.ToUpper(verb) {
	case "GET", "HEAD":
		return EventRead
	case "POST":
		return EventCreate
	case "PUT", "PATCH":
		return EventUpdate
	case "DELETE":
		return EventDelete
	default:
		return EventSystemAccess
	}
}

// IntegrityCheckRecord is the outcome of one verification run.
type IntegrityCheckRecord struct {
	ID                 int64     `json:"id,omitempty"`
	TotalEventsScanned int64     `json:"totalEventsScanned"`
	LastValidIndex     int64     `json:"lastValidIndex"`
	ChainValid         bool      `json:"chainValid"`
	CorruptedEventIDs  []string  `json:"corruptedEventIds"`
	DurationMs         int64     `json:"durationMs"`
	PerformedBy        string    `json:"performedBy"`
	Timestamp          time.Time `json:"timestamp"`
}

// QueryParams filters events for the query surface.
// Zero values mean "no filter".
type QueryParams struct {
	ActorID    string
	EntityType string
	EntityID   string
	EventType  EventType
	MinRisk    int
	AlertsOnly bool
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Stats summarizes the live store.
type Stats struct {
	LiveEvents      int64 `json:"liveEvents"`
	ArchivedEvents  int64 `json:"archivedEvents"`
	PurgedEvents    int64 `json:"purgedEvents"`
	HeadIndex       int64 `json:"headIndex"`
	AlertsTriggered int64 `json:"alertsTriggered"`
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
