// Package memory is an in-process implementation of the storage
// interfaces, used in tests and for local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
)

// Store keeps everything in maps guarded by a single mutex. Values are
// copied on the way in and out so callers never share memory with the
// store.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*domain.Run
	cases   map[string]*domain.Case
	caseRun map[string]string // run ID -> case ID
	tenants map[string]*domain.Tenant
	audit   []*domain.AuditEntry
	budgets map[string]*domain.BudgetState // tenantID|day
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		runs:    make(map[string]*domain.Run),
		cases:   make(map[string]*domain.Case),
		caseRun: make(map[string]string),
		tenants: make(map[string]*domain.Tenant),
		budgets: make(map[string]*domain.BudgetState),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return domain.NewError(domain.ErrorTypeInternal, "run %s already exists", run.ID)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storage.NotFound("run", id)
	}
	return copyRun(run), nil
}

func (s *Store) ClaimRun(_ context.Context, id string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, storage.NotFound("run", id)
	}
	if run.Status != domain.RunQueued {
		return false, nil
	}
	run.Status = domain.RunRunning
	ts := startedAt
	run.StartedAt = &ts
	hb := startedAt
	run.HeartbeatAt = &hb
	return true, nil
}

func (s *Store) ReclaimRun(_ context.Context, id string, observed, heartbeatAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, storage.NotFound("run", id)
	}
	if run.Status != domain.RunRunning || run.HeartbeatAt == nil || !run.HeartbeatAt.Equal(observed) {
		return false, nil
	}
	ts := heartbeatAt
	run.HeartbeatAt = &ts
	return true, nil
}

func (s *Store) UpdateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return storage.NotFound("run", run.ID)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *Store) ListRuns(_ context.Context, filter storage.RunFilter) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Run
	for _, run := range s.runs {
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	matched = page(matched, filter.Offset, filter.Limit)

	out := make([]*domain.Run, len(matched))
	for i, run := range matched {
		out[i] = copyRun(run)
	}
	return out, nil
}

func (s *Store) CreateCase(_ context.Context, c *domain.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; ok {
		return domain.NewError(domain.ErrorTypeInternal, "case %s already exists", c.ID)
	}
	s.cases[c.ID] = copyCase(c)
	s.caseRun[c.RunID] = c.ID
	return nil
}

func (s *Store) GetCase(_ context.Context, id string) (*domain.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, storage.NotFound("case", id)
	}
	return copyCase(c), nil
}

func (s *Store) GetCaseByRun(_ context.Context, runID string) (*domain.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.caseRun[runID]
	if !ok {
		return nil, storage.NotFound("case for run", runID)
	}
	return copyCase(s.cases[id]), nil
}

func (s *Store) UpdateCase(_ context.Context, c *domain.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; !ok {
		return storage.NotFound("case", c.ID)
	}
	s.cases[c.ID] = copyCase(c)
	return nil
}

func (s *Store) UpsertTenant(_ context.Context, t *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *Store) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, storage.NotFound("tenant", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetTenantBySlug(_ context.Context, slug string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.NotFound("tenant", slug)
}

func (s *Store) ListTenants(_ context.Context) ([]*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(_ context.Context, filter storage.AuditFilter) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.AuditEntry
	for _, e := range s.audit {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		matched = append(matched, e)
	}
	matched = page(matched, filter.Offset, filter.Limit)

	out := make([]*domain.AuditEntry, len(matched))
	for i, e := range matched {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) SaveBudgetState(_ context.Context, state *domain.BudgetState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.budgets[state.TenantID+"|"+state.Day] = &cp
	return nil
}

func (s *Store) GetBudgetState(_ context.Context, tenantID, day string) (*domain.BudgetState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.budgets[tenantID+"|"+day]
	if !ok {
		return nil, storage.NotFound("budget state", tenantID+"/"+day)
	}
	cp := *st
	return &cp, nil
}

func copyRun(run *domain.Run) *domain.Run {
	cp := *run
	if run.StartedAt != nil {
		ts := *run.StartedAt
		cp.StartedAt = &ts
	}
	if run.CompletedAt != nil {
		ts := *run.CompletedAt
		cp.CompletedAt = &ts
	}
	if run.HeartbeatAt != nil {
		ts := *run.HeartbeatAt
		cp.HeartbeatAt = &ts
	}
	return &cp
}

func copyCase(c *domain.Case) *domain.Case {
	cp := *c
	if c.Classification != nil {
		cls := *c.Classification
		cp.Classification = &cls
	}
	if c.Draft != nil {
		d := *c.Draft
		d.FollowUpQuestions = append([]string(nil), c.Draft.FollowUpQuestions...)
		d.EmailDrafts = append([]domain.EmailDraft(nil), c.Draft.EmailDrafts...)
		cp.Draft = &d
	}
	if c.Routing != nil {
		r := *c.Routing
		r.Tags = append([]string(nil), c.Routing.Tags...)
		cp.Routing = &r
	}
	return &cp
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
