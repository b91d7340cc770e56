package threshold

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

// Store resolves the rule that applies to a patient's parameter: the
// patient's own rule when one exists, otherwise the default. A nil rule and
// nil error mean the parameter is not monitored for the patient.
type Store interface {
	GetRule(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error)
}

// Repository stores rules with exact scope matching.
type Repository interface {
	// Get returns the rule for exactly this scope (nil patientID = default),
	// or nil when there is none.
	Get(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error)
	Upsert(ctx context.Context, r *Rule) error
	List(ctx context.Context) ([]*Rule, error)
}

// Layered resolves rules across repositories. Earlier layers win within a
// scope, and any patient rule wins over any default.
type Layered struct {
	layers []Repository
}

func NewLayered(layers ...Repository) *Layered {
	return &Layered{layers: layers}
}

func (l *Layered) GetRule(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error) {
	if patientID != nil {
		r, err := l.first(ctx, patientID, p)
		if err != nil || r != nil {
			return r, err
		}
	}
	return l.first(ctx, nil, p)
}

func (l *Layered) first(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error) {
	for _, repo := range l.layers {
		r, err := repo.Get(ctx, patientID, p)
		if err != nil {
			return nil, fmt.Errorf("get rule %s: %w", p, err)
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

type ruleKey struct {
	patient   uuid.UUID // uuid.Nil for the default scope
	parameter vitals.Parameter
}

func keyOf(patientID *uuid.UUID, p vitals.Parameter) ruleKey {
	k := ruleKey{parameter: p}
	if patientID != nil {
		k.patient = *patientID
	}
	return k
}

// Cached keeps recent lookups, including misses, in an expiring LRU so that
// evaluating a reading does not hit the database for every parameter.
type Cached struct {
	next  Store
	cache *expirable.LRU[ruleKey, *Rule]
}

func NewCached(next Store, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 4096
	}
	return &Cached{next: next, cache: expirable.NewLRU[ruleKey, *Rule](size, nil, ttl)}
}

func (c *Cached) GetRule(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error) {
	k := keyOf(patientID, p)
	if r, ok := c.cache.Get(k); ok {
		return r, nil
	}
	r, err := c.next.GetRule(ctx, patientID, p)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, r)
	return r, nil
}

// Purge drops every cached lookup, e.g. after rules were imported.
func (c *Cached) Purge() { c.cache.Purge() }

// Len returns the number of cached lookups.
func (c *Cached) Len() int { return c.cache.Len() }

// MemoryRepo is an in-memory Repository. It backs the rules file and tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	rules map[ruleKey]*Rule
}

func NewMemoryRepo(rules ...*Rule) *MemoryRepo {
	m := &MemoryRepo{rules: make(map[ruleKey]*Rule)}
	for _, r := range rules {
		m.rules[keyOf(r.PatientID, r.Parameter)] = r
	}
	return m
}

func (m *MemoryRepo) Get(_ context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[keyOf(patientID, p)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepo) Upsert(_ context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.mu.Lock()
	m.rules[keyOf(r.PatientID, r.Parameter)] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepo) List(_ context.Context) ([]*Rule, error) {
	m.mu.RLock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sortRules(out)
	return out, nil
}

// sortRules orders defaults first, then by patient, then by parameter.
func sortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.IsDefault() != b.IsDefault() {
			return a.IsDefault()
		}
		if !a.IsDefault() && *a.PatientID != *b.PatientID {
			return a.PatientID.String() < b.PatientID.String()
		}
		return a.Parameter < b.Parameter
	})
}
