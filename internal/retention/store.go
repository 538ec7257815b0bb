package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinaudit/clinaudit/internal/audit"
)

const policyColumns = `id, name, event_types, risk_score_threshold, retention_period_days,
	archive_after_days, compliance_tag, active, created_by, last_modified`

// Store persists policies in the retention_policies table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database (see package db).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// List returns policies ordered by id.
func (s *Store) List(ctx context.Context, includeInactive bool) ([]Policy, error) {
	query := "SELECT " + policyColumns + " FROM retention_policies"
	if !includeInactive {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing retention policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns the policy with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Policy, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+policyColumns+" FROM retention_policies WHERE id = ?", id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, fmt.Errorf("policy %d: %w", id, ErrNotFound)
	}
	return p, err
}

// GetByName returns the policy with the given name.
func (s *Store) GetByName(ctx context.Context, name string) (Policy, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+policyColumns+" FROM retention_policies WHERE name = ?", name)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, fmt.Errorf("policy %q: %w", name, ErrNotFound)
	}
	return p, err
}

// Count returns the number of policies, active or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM retention_policies").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting retention policies: %w", err)
	}
	return n, nil
}

// Insert stores a new policy and sets its ID.
func (s *Store) Insert(ctx context.Context, p *Policy) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retention_policies (name, event_types, risk_score_threshold, retention_period_days,
			archive_after_days, compliance_tag, active, created_by, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.EventTypes.String(), p.RiskScoreThreshold, p.RetentionPeriodDays,
		nullDays(p.ArchiveAfterDays), p.ComplianceTag, boolInt(p.Active), p.CreatedBy, p.LastModified.UTC().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: a policy named %q already exists", ErrInvalidPolicy, p.Name)
		}
		return fmt.Errorf("inserting retention policy %q: %w", p.Name, err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// Update overwrites the policy with p.ID. created_by is kept.
func (s *Store) Update(ctx context.Context, p *Policy) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retention_policies SET name = ?, event_types = ?, risk_score_threshold = ?,
			retention_period_days = ?, archive_after_days = ?, compliance_tag = ?, active = ?, last_modified = ?
		 WHERE id = ?`,
		p.Name, p.EventTypes.String(), p.RiskScoreThreshold, p.RetentionPeriodDays,
		nullDays(p.ArchiveAfterDays), p.ComplianceTag, boolInt(p.Active), p.LastModified.UTC().UnixNano(), p.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: a policy named %q already exists", ErrInvalidPolicy, p.Name)
		}
		return fmt.Errorf("updating retention policy %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (Policy, error) {
	var (
		p         Policy
		types     string
		archive   sql.NullInt64
		active    int
		createdBy string
		modified  int64
	)
	err := r.Scan(&p.ID, &p.Name, &types, &p.RiskScoreThreshold, &p.RetentionPeriodDays,
		&archive, &p.ComplianceTag, &active, &createdBy, &modified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Policy{}, err
		}
		return Policy{}, fmt.Errorf("scanning retention policy: %w", err)
	}
	set, err := audit.ParseEventTypeSet(types)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %q: %w", p.Name, err)
	}
	p.EventTypes = set
	if archive.Valid {
		p.ArchiveAfterDays = int(archive.Int64)
	}
	p.Active = active != 0
	p.CreatedBy = createdBy
	p.LastModified = time.Unix(0, modified).UTC()
	return p, nil
}

func nullDays(d int) any {
	if d <= 0 {
		return nil
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
