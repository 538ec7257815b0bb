package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Export writes the events matching params to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func (s *Store) Export(ctx context.Context, w io.Writer, params QueryParams, format string) error {
	events, err := s.Query(ctx, params)
	if err != nil {
		return fmt.Errorf("reading events for export: %w", err)
	}
	return WriteEvents(w, events, format)
}

// WriteEvents encodes events in the given format.
func WriteEvents(w io.Writer, events []AuditEvent, format string) error {
	switch format {
	case "json":
		if events == nil {
			events = []AuditEvent{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{
			"chain_index", "id", "timestamp", "event_type", "entity_type", "entity_id",
			"actor_id", "actor_name", "facility_code", "endpoint", "operation_verb",
			"outcome_status", "risk_score", "risk_factors", "alert_triggered",
			"compliance_tags", "event_hash", "previous_hash", "archived_at",
		}); err != nil {
			return err
		}
		for _, e := range events {
			archived := ""
			if e.ArchivedAt != nil {
				archived = e.ArchivedAt.Format(time.RFC3339Nano)
			}
			if err := cw.Write([]string{
				strconv.FormatInt(e.ChainIndex, 10),
				e.ID,
				e.Timestamp.Format(time.RFC3339Nano),
				e.EventType.String(),
				e.EntityType,
				e.EntityID,
				e.ActorID,
				e.ActorName,
				e.FacilityCode,
				e.Endpoint,
				e.OperationVerb,
				strconv.Itoa(e.OutcomeStatus),
				strconv.Itoa(e.RiskScore),
				strings.Join(e.RiskFactors, ";"),
				strconv.FormatBool(e.AlertTriggered),
				strings.Join(e.ComplianceTags, ";"),
				e.EventHash,
				e.PreviousHash,
				archived,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
