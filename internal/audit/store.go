package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/clinaudit/clinaudit/internal/metrics"
)

// ErrConflict reports that another writer claimed the chain head first.
// Append retries on it; it only escapes when retries are exhausted.
var ErrConflict = errors.New("audit chain head conflict")

// ErrNotFound is returned by Get for an unknown event id.
var ErrNotFound = errors.New("audit event not found")

// Append retry bounds. Conflicts resolve in microseconds under normal load.
const (
	appendInitialInterval = 2 * time.Millisecond
	appendMaxInterval     = 100 * time.Millisecond
	appendMaxRetries      = 50
)

const eventColumns = `chain_index, id, event_type, entity_type, entity_id, actor_id, actor_name,
	facility_code, source_ip, user_agent, session_id, endpoint, operation_verb, request_snapshot,
	outcome_status, risk_score, risk_factors, alert_triggered, processing_time_ms, compliance_tags,
	event_hash, previous_hash, ts, archived_at`

// headQuery reads the last chain link, live or purged. Tombstones keep the
// head stable when the newest events have been purged.
const headQuery = `
	SELECT chain_index, event_hash FROM (
		SELECT chain_index, event_hash FROM audit_events
		UNION ALL
		SELECT chain_index, event_hash FROM audit_tombstones
	) ORDER BY chain_index DESC LIMIT 1`

// Store is the durable, append-only event store. Several Stores (in one
// process or several) may share the same database file; the chain stays
// linear because each append claims the head inside a transaction and the
// schema rejects a second claim.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database (see package db).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Head returns the chain index and hash of the last link.
// An empty chain returns (0, "").
func (s *Store) Head(ctx context.Context) (int64, string, error) {
	var idx int64
	var hash string
	err := s.db.QueryRowContext(ctx, headQuery).Scan(&idx, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("reading chain head: %w", err)
	}
	return idx, hash, nil
}

// Timestamps are stored as Unix nanoseconds, which only cover this range.
var (
	minTimestamp = time.Unix(0, math.MinInt64).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Append links e to the chain head and persists it atomically. ID,
// ChainIndex, PreviousHash and EventHash are assigned here; a zero
// Timestamp is set to now. The stored event is returned.
//
// Concurrent appends never fork the chain: the loser of a race sees a
// uniqueness violation, re-reads the head and tries again.
func (s *Store) Append(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	if !e.EventType.Valid() {
		return AuditEvent{}, fmt.Errorf("appending audit event: invalid event type %d", uint8(e.EventType))
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	// Persisted precision is nanoseconds in UTC; hash what gets stored.
	e.Timestamp = e.Timestamp.UTC()
	if e.Timestamp.Before(minTimestamp) || e.Timestamp.After(maxTimestamp) {
		return AuditEvent{}, fmt.Errorf("appending audit event: timestamp %s outside %d-%d",
			e.Timestamp.Format(time.RFC3339), minTimestamp.Year(), maxTimestamp.Year())
	}
	e.ArchivedAt = nil

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = appendInitialInterval
	b.MaxInterval = appendMaxInterval
	b.MaxElapsedTime = 0

	stored, err := backoff.RetryWithData(func() (AuditEvent, error) {
		out, err := s.tryAppend(ctx, e)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrConflict) {
			metrics.AppendConflicts.Inc()
			return AuditEvent{}, err
		}
		return AuditEvent{}, backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, appendMaxRetries), ctx))
	if err != nil {
		return AuditEvent{}, fmt.Errorf("appending audit event: %w", err)
	}

	metrics.EventsAppended.WithLabelValues(stored.EventType.String()).Inc()
	return stored, nil
}

func (s *Store) tryAppend(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditEvent{}, classify(err)
	}
	defer tx.Rollback()

	var last int64
	var lastHash string
	err = tx.QueryRowContext(ctx, headQuery).Scan(&last, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return AuditEvent{}, classify(err)
	}

	e.ID = uuid.NewString()
	e.ChainIndex = last + 1
	e.PreviousHash = lastHash
	e.EventHash = ComputeHash(&e)

	if err := insertEvent(ctx, tx, &e); err != nil {
		return AuditEvent{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return AuditEvent{}, classify(err)
	}
	return e, nil
}

// classify maps head races and lock contention to ErrConflict.
func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *AuditEvent) error {
	factors, _ := json.Marshal(nonNil(e.RiskFactors))
	tags, _ := json.Marshal(nonNil(e.ComplianceTags))

	var prev any
	if e.PreviousHash != "" {
		prev = e.PreviousHash
	}
	var procMs any
	if e.ProcessingTimeMs != nil {
		procMs = *e.ProcessingTimeMs
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		e.ChainIndex, e.ID, e.EventType.String(), e.EntityType, e.EntityID, e.ActorID, e.ActorName,
		e.FacilityCode, e.Network.SourceIP, e.Network.UserAgent, e.Network.SessionID,
		e.Endpoint, e.OperationVerb, string(e.RequestSnapshot),
		e.OutcomeStatus, e.RiskScore, string(factors), boolInt(e.AlertTriggered), procMs, string(tags),
		e.EventHash, prev, e.Timestamp.UnixNano(),
	)
	return err
}

// Get returns the live event with the given id.
func (s *Store) Get(ctx context.Context, id string) (AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = ?`, id)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("reading event %s: %w", id, err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return AuditEvent{}, err
	}
	if len(events) == 0 {
		return AuditEvent{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return events[0], nil
}

// Query retrieves live events matching params, newest first.
func (s *Store) Query(ctx context.Context, params QueryParams) ([]AuditEvent, error) {
	query := "SELECT " + eventColumns + " FROM audit_events WHERE 1=1"
	var args []any

	if params.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, params.ActorID)
	}
	if params.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, params.EntityType)
	}
	if params.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, params.EntityID)
	}
	if params.EventType.Valid() {
		query += " AND event_type = ?"
		args = append(args, params.EventType.String())
	}
	if params.MinRisk > 0 {
		query += " AND risk_score >= ?"
		args = append(args, params.MinRisk)
	}
	if params.AlertsOnly {
		query += " AND alert_triggered = 1"
	}
	if !params.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, params.Since.UnixNano())
	}
	if !params.Until.IsZero() {
		query += " AND ts < ?"
		args = append(args, params.Until.UnixNano())
	}

	query += " ORDER BY chain_index DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	return scanEvents(rows)
}

// ArchiveState selects events by archival status.
type ArchiveState int

const (
	AnyArchiveState ArchiveState = iota
	Unarchived
	Archived
)

// CandidateFilter selects events for the archival and purge workflows.
type CandidateFilter struct {
	Types      EventTypeSet
	MinRisk    int
	Before     time.Time // events strictly older than this
	State      ArchiveState
	AfterIndex int64 // pagination cursor
	Limit      int
}

// Candidates returns live events matching f in chain order.
func (s *Store) Candidates(ctx context.Context, f CandidateFilter) ([]AuditEvent, error) {
	names := f.Types.Names()
	if len(names) == 0 {
		return nil, nil
	}

	query := "SELECT " + eventColumns + " FROM audit_events WHERE chain_index > ? AND risk_score >= ? AND ts < ?"
	args := []any{f.AfterIndex, f.MinRisk, f.Before.UnixNano()}

	query += " AND event_type IN (?" + strings.Repeat(", ?", len(names)-1) + ")"
	for _, n := range names {
		args = append(args, n)
	}

	switch f.State {
	case Unarchived:
		query += " AND archived_at IS NULL"
	case Archived:
		query += " AND archived_at IS NOT NULL"
	}

	query += " ORDER BY chain_index"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting candidate events: %w", err)
	}
	return scanEvents(rows)
}

// MarkArchived sets archived_at on the given events. Events already archived
// keep their original timestamp. Returns the number of events newly marked.
func (s *Store) MarkArchived(ctx context.Context, indices []int64, at time.Time) (int64, error) {
	if len(indices) == 0 {
		return 0, nil
	}
	query := "UPDATE audit_events SET archived_at = ? WHERE archived_at IS NULL AND chain_index IN (?" +
		strings.Repeat(", ?", len(indices)-1) + ")"
	args := []any{at.UTC().UnixNano()}
	for _, i := range indices {
		args = append(args, i)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking events archived: %w", err)
	}
	return res.RowsAffected()
}

// Purge removes events from the live store, leaving a tombstone with each
// event's chain position and hashes so linkage remains verifiable. The
// batch is all-or-nothing.
func (s *Store) Purge(ctx context.Context, events []AuditEvent, policy string, at time.Time) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	var purged int64
	for _, e := range events {
		var prev any
		if e.PreviousHash != "" {
			prev = e.PreviousHash
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO audit_tombstones (chain_index, id, event_type, event_hash, previous_hash, ts, purged_at, policy)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ChainIndex, e.ID, e.EventType.String(), e.EventHash, prev,
			e.Timestamp.UnixNano(), at.UTC().UnixNano(), policy,
		)
		if err != nil {
			return 0, fmt.Errorf("writing tombstone for event %s: %w", e.ID, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE chain_index = ?`, e.ChainIndex)
		if err != nil {
			return 0, fmt.Errorf("purging event %s: %w", e.ID, err)
		}
		n, _ := res.RowsAffected()
		purged += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	return purged, nil
}

// ChainLink is one position of the chain as seen by the verifier. Purged
// positions carry only their hashes; Event is nil for them.
type ChainLink struct {
	ChainIndex   int64
	ID           string
	EventHash    string
	PreviousHash string
	Purged       bool
	Event        *AuditEvent
}

// ChainSlice returns up to limit links after afterIndex, live and purged
// merged in chain order.
func (s *Store) ChainSlice(ctx context.Context, afterIndex int64, limit int) ([]ChainLink, error) {
	// Both reads share one snapshot; a purge moving an event into the
	// tombstones between them would otherwise show its index twice.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("reading chain slice: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM audit_events WHERE chain_index > ? ORDER BY chain_index LIMIT ?",
		afterIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("reading chain slice: %w", err)
	}
	live, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	trows, err := tx.QueryContext(ctx,
		`SELECT chain_index, id, event_hash, COALESCE(previous_hash, '') FROM audit_tombstones
		 WHERE chain_index > ? ORDER BY chain_index LIMIT ?`,
		afterIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("reading tombstones: %w", err)
	}
	var tombs []ChainLink
	for trows.Next() {
		l := ChainLink{Purged: true}
		if err := trows.Scan(&l.ChainIndex, &l.ID, &l.EventHash, &l.PreviousHash); err != nil {
			trows.Close()
			return nil, fmt.Errorf("scanning tombstone: %w", err)
		}
		tombs = append(tombs, l)
	}
	if err := trows.Err(); err != nil {
		trows.Close()
		return nil, err
	}
	trows.Close()

	// Merge the two ordered streams and keep the first limit positions.
	links := make([]ChainLink, 0, limit)
	i, j := 0, 0
	for len(links) < limit && (i < len(live) || j < len(tombs)) {
		if j >= len(tombs) || (i < len(live) && live[i].ChainIndex < tombs[j].ChainIndex) {
			e := live[i]
			links = append(links, ChainLink{
				ChainIndex:   e.ChainIndex,
				ID:           e.ID,
				EventHash:    e.EventHash,
				PreviousHash: e.PreviousHash,
				Event:        &e,
			})
			i++
			continue
		}
		links = append(links, tombs[j])
		j++
	}
	return links, nil
}

// Stats summarizes the store contents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN archived_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(alert_triggered), 0)
		FROM audit_events`).Scan(&st.LiveEvents, &st.ArchivedEvents, &st.AlertsTriggered)
	if err != nil {
		return Stats{}, fmt.Errorf("counting events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_tombstones`).Scan(&st.PurgedEvents); err != nil {
		return Stats{}, fmt.Errorf("counting tombstones: %w", err)
	}
	head, _, err := s.Head(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.HeadIndex = head
	return st, nil
}

// SaveIntegrityCheck persists a verification outcome.
func (s *Store) SaveIntegrityCheck(ctx context.Context, rec *IntegrityCheckRecord) error {
	ids, _ := json.Marshal(nonNil(rec.CorruptedEventIDs))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO integrity_checks (total_events_scanned, last_valid_index, chain_valid, corrupted_event_ids, duration_ms, performed_by, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TotalEventsScanned, rec.LastValidIndex, boolInt(rec.ChainValid), string(ids),
		rec.DurationMs, rec.PerformedBy, rec.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving integrity check: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// IntegrityHistory returns the most recent verification outcomes, newest first.
func (s *Store) IntegrityHistory(ctx context.Context, limit int) ([]IntegrityCheckRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, total_events_scanned, last_valid_index, chain_valid, corrupted_event_ids, duration_ms, performed_by, ts
		 FROM integrity_checks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading integrity history: %w", err)
	}
	defer rows.Close()

	var out []IntegrityCheckRecord
	for rows.Next() {
		var r IntegrityCheckRecord
		var valid int
		var ids string
		var ts int64
		if err := rows.Scan(&r.ID, &r.TotalEventsScanned, &r.LastValidIndex, &valid, &ids, &r.DurationMs, &r.PerformedBy, &ts); err != nil {
			return nil, fmt.Errorf("scanning integrity check: %w", err)
		}
		r.ChainValid = valid != 0
		_ = json.Unmarshal([]byte(ids), &r.CorruptedEventIDs)
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastIntegrityCheck returns the newest verification outcome, or nil if
// the chain was never verified.
func (s *Store) LastIntegrityCheck(ctx context.Context) (*IntegrityCheckRecord, error) {
	hist, err := s.IntegrityHistory(ctx, 1)
	if err != nil || len(hist) == 0 {
		return nil, err
	}
	return &hist[0], nil
}

// scanEvents reads and closes rows. Callers rely on rows being closed on
// return since the pool holds a single connection.
func scanEvents(rows *sql.Rows) ([]AuditEvent, error) {
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var (
			eventType, snapshot, factors, tags string
			alert                              int
			procMs, archivedAt                 sql.NullInt64
			prev                               sql.NullString
			ts                                 int64
		)
		err := rows.Scan(
			&e.ChainIndex, &e.ID, &eventType, &e.EntityType, &e.EntityID, &e.ActorID, &e.ActorName,
			&e.FacilityCode, &e.Network.SourceIP, &e.Network.UserAgent, &e.Network.SessionID,
			&e.Endpoint, &e.OperationVerb, &snapshot,
			&e.OutcomeStatus, &e.RiskScore, &factors, &alert, &procMs, &tags,
			&e.EventHash, &prev, &ts, &archivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}

		if e.EventType, err = ParseEventType(eventType); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		if snapshot != "" {
			e.RequestSnapshot = json.RawMessage(snapshot)
		}
		_ = json.Unmarshal([]byte(factors), &e.RiskFactors)
		_ = json.Unmarshal([]byte(tags), &e.ComplianceTags)
		e.AlertTriggered = alert != 0
		if procMs.Valid {
			v := procMs.Int64
			e.ProcessingTimeMs = &v
		}
		e.PreviousHash = prev.String
		e.Timestamp = time.Unix(0, ts).UTC()
		if archivedAt.Valid {
			at := time.Unix(0, archivedAt.Int64).UTC()
			e.ArchivedAt = &at
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
