package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clinaudit/clinaudit/internal/audit"
)

// Engine resolves the governing policy of an event and manages the policy
// set. Active policies are cached; every mutation through the Engine
// invalidates the cache, and Invalidate covers changes made elsewhere.
//
// Thread-safe. Resolve is called from capture workers concurrently with the
// batch jobs and with policy edits.
type Engine struct {
	store *Store
	now   func() time.Time

	mu     sync.RWMutex
	active []Policy // ordered by id; nil means not loaded
	gen    uint64
	group  singleflight.Group
}

// NewEngine creates an engine over store.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Resolve returns the policy governing an event of type t with the given
// risk score, or nil when no active policy applies.
func (e *Engine) Resolve(ctx context.Context, t audit.EventType, score int) (*Policy, error) {
	policies, err := e.ActivePolicies(ctx)
	if err != nil {
		return nil, err
	}
	return Select(policies, t, score), nil
}

// Select picks the applicable policy with the highest threshold from a
// policy snapshot. policies must be ordered by id; the strict comparison
// keeps the lowest id on a tie. It returns nil when nothing applies.
func Select(policies []Policy, t audit.EventType, score int) *Policy {
	var best *Policy
	for i := range policies {
		p := &policies[i]
		if !p.Applies(t, score) {
			continue
		}
		if best == nil || p.RiskScoreThreshold > best.RiskScoreThreshold {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// ComplianceTags returns the tag of the governing policy, if any. It
// implements audit.Tagger; lookup failures yield no tag.
func (e *Engine) ComplianceTags(ctx context.Context, t audit.EventType, score int) []string {
	p, err := e.Resolve(ctx, t, score)
	if err != nil {
		slog.Warn("resolving retention policy for compliance tags", "event_type", t.String(), "error", err)
		return nil
	}
	if p == nil || p.ComplianceTag == "" {
		return nil
	}
	return []string{p.ComplianceTag}
}

// ActivePolicies returns the active policies ordered by id. The returned
// slice is a copy.
func (e *Engine) ActivePolicies(ctx context.Context) ([]Policy, error) {
	e.mu.RLock()
	cached := e.active
	gen := e.gen
	e.mu.RUnlock()
	if cached != nil {
		return append([]Policy(nil), cached...), nil
	}

	v, err, _ := e.group.Do(fmt.Sprintf("active-%d", gen), func() (any, error) {
		list, err := e.store.List(ctx, false)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []Policy{}
		}
		e.mu.Lock()
		// A mutation during the load makes this result stale.
		if e.gen == gen {
			e.active = list
		}
		e.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]Policy(nil), v.([]Policy)...), nil
}

// Policies lists policies ordered by id, bypassing the cache.
func (e *Engine) Policies(ctx context.Context, includeInactive bool) ([]Policy, error) {
	return e.store.List(ctx, includeInactive)
}

// Get returns a policy by name.
func (e *Engine) Get(ctx context.Context, name string) (Policy, error) {
	return e.store.GetByName(ctx, name)
}

// Invalidate drops the cached policy set.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.active = nil
	e.gen++
	e.mu.Unlock()
}

// CreatePolicy validates and stores a new policy.
func (e *Engine) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.ID = 0
	p.LastModified = e.now().UTC()
	if err := e.store.Insert(ctx, &p); err != nil {
		return Policy{}, err
	}
	e.Invalidate()
	slog.Info("retention policy created", "policy", p.Name, "id", p.ID, "by", p.CreatedBy)
	return p, nil
}

// UpdatePolicy validates and overwrites the policy with p.ID.
func (e *Engine) UpdatePolicy(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	existing, err := e.store.Get(ctx, p.ID)
	if err != nil {
		return Policy{}, err
	}
	p.CreatedBy = existing.CreatedBy
	p.LastModified = e.now().UTC()
	if err := e.store.Update(ctx, &p); err != nil {
		return Policy{}, err
	}
	e.Invalidate()
	slog.Info("retention policy updated", "policy", p.Name, "id", p.ID)
	return p, nil
}

// DeactivatePolicy excludes the policy from resolution. The row is kept as
// part of the policy history.
func (e *Engine) DeactivatePolicy(ctx context.Context, id int64) (Policy, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Policy{}, err
	}
	if !p.Active {
		return p, nil
	}
	p.Active = false
	p.LastModified = e.now().UTC()
	if err := e.store.Update(ctx, &p); err != nil {
		return Policy{}, err
	}
	e.Invalidate()
	slog.Info("retention policy deactivated", "policy", p.Name, "id", p.ID)
	return p, nil
}

// SeedDefaults inserts DefaultPolicies when the policy table is empty.
// It returns the number of policies inserted; a populated table is left
// alone, so calling it on every startup is safe.
func (e *Engine) SeedDefaults(ctx context.Context, createdBy string) (int, error) {
	n, err := e.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	seeded := 0
	for _, p := range DefaultPolicies() {
		p.CreatedBy = createdBy
		if _, err := e.CreatePolicy(ctx, p); err != nil {
			return seeded, fmt.Errorf("seeding policy %q: %w", p.Name, err)
		}
		seeded++
	}
	slog.Info("default retention policies seeded", "count", seeded)
	return seeded, nil
}

// ApplyResult counts what Apply changed.
type ApplyResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Apply upserts declared policies by name. Existing policies not named in
// declared are left untouched.
func (e *Engine) Apply(ctx context.Context, declared []Policy, createdBy string) (ApplyResult, error) {
	var res ApplyResult
	for _, d := range declared {
		existing, err := e.store.GetByName(ctx, d.Name)
		switch {
		case err == nil:
			d.ID = existing.ID
			if sameDefinition(existing, d) {
				res.Unchanged++
				continue
			}
			if _, err := e.UpdatePolicy(ctx, d); err != nil {
				return res, err
			}
			res.Updated++
		case errors.Is(err, ErrNotFound):
			if d.CreatedBy == "" {
				d.CreatedBy = createdBy
			}
			if _, err := e.CreatePolicy(ctx, d); err != nil {
				return res, err
			}
			res.Created++
		default:
			return res, err
		}
	}
	return res, nil
}

// ApplyFile loads policies.yaml and applies it.
func (e *Engine) ApplyFile(ctx context.Context, path, createdBy string) (ApplyResult, error) {
	declared, err := LoadFile(path)
	if err != nil {
		return ApplyResult{}, err
	}
	res, err := e.Apply(ctx, declared, createdBy)
	if err != nil {
		return res, err
	}
	if res.Created+res.Updated > 0 {
		slog.Info("retention policies applied", "path", path,
			"created", res.Created, "updated", res.Updated, "unchanged", res.Unchanged)
	}
	return res, nil
}

func sameDefinition(a, b Policy) bool {
	return a.EventTypes == b.EventTypes &&
		a.RiskScoreThreshold == b.RiskScoreThreshold &&
		a.RetentionPeriodDays == b.RetentionPeriodDays &&
		a.ArchiveAfterDays == b.ArchiveAfterDays &&
		a.ComplianceTag == b.ComplianceTag &&
		a.Active == b.Active
}
