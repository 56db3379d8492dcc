package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ronappleton/runbook-engine/internal/healing"
	"github.com/ronappleton/runbook-engine/internal/runbook"
)

var ErrNotFound = errors.New("not found")

func notFound(domain error) error {
	return fmt.Errorf("%w: %w", ErrNotFound, domain)
}

type ExecutionFilter struct {
	RunbookID string
	Statuses  []runbook.ExecutionStatus
	Limit     int
}

func (f ExecutionFilter) match(e runbook.Execution) bool {
	if f.RunbookID != "" && e.RunbookID != f.RunbookID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

func matchHealing(f healing.ExecutionFilter, e healing.Execution) bool {
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if f.AlertID != "" && e.AlertID != f.AlertID {
		return false
	}
	return f.Status == "" || e.Status == f.Status
}

// Store is the durable storage contract shared by the executor, the
// self-healing engine and the HTTP API.
type Store interface {
	SaveRunbook(ctx context.Context, rb runbook.Runbook) (runbook.Runbook, error)
	GetRunbook(ctx context.Context, id string) (runbook.Runbook, error)
	GetRunbookVersion(ctx context.Context, id string, version int) (runbook.Runbook, error)
	ListRunbooks(ctx context.Context) ([]runbook.Runbook, error)
	ListRunbookVersions(ctx context.Context, id string) ([]runbook.Runbook, error)
	DeleteRunbook(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, e runbook.Execution) error
	UpdateExecution(ctx context.Context, e runbook.Execution) error
	UpdateStepExecution(ctx context.Context, executionID string, step runbook.StepExecution) error
	GetExecution(ctx context.Context, id string) (runbook.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]runbook.Execution, error)

	CreateRule(ctx context.Context, r healing.Rule) error
	UpdateRule(ctx context.Context, r healing.Rule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (healing.Rule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]healing.Rule, error)

	CreateHealingExecution(ctx context.Context, e healing.Execution) error
	UpdateHealingExecution(ctx context.Context, e healing.Execution) error
	GetHealingExecution(ctx context.Context, id string) (healing.Execution, error)
	ListHealingExecutions(ctx context.Context, f healing.ExecutionFilter) ([]healing.Execution, error)
	CountHealingExecutionsSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	LastHealingExecutionStart(ctx context.Context, ruleID string) (time.Time, bool, error)

	Close() error
}

type MemoryStore struct {
	mu       sync.RWMutex
	runbooks map[string]runbook.Runbook
	versions map[string][]runbook.Runbook
	execs    map[string]runbook.Execution
	rules    map[string]healing.Rule
	healing  map[string]healing.Execution
	nowFn    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runbooks: map[string]runbook.Runbook{},
		versions: map[string][]runbook.Runbook{},
		execs:    map[string]runbook.Execution{},
		rules:    map[string]healing.Rule{},
		healing:  map[string]healing.Execution{},
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveRunbook(_ context.Context, rb runbook.Runbook) (runbook.Runbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	if prev, ok := s.runbooks[rb.ID]; ok {
		rb.Version = prev.Version + 1
		rb.CreatedAt = prev.CreatedAt
	} else {
		rb.Version = 1
		rb.CreatedAt = now
	}
	rb.UpdatedAt = now
	s.runbooks[rb.ID] = rb
	s.versions[rb.ID] = append(s.versions[rb.ID], rb)
	return rb, nil
}

func (s *MemoryStore) GetRunbook(_ context.Context, id string) (runbook.Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.runbooks[id]
	if !ok {
		return runbook.Runbook{}, notFound(runbook.ErrRunbookNotFound)
	}
	return rb, nil
}

func (s *MemoryStore) GetRunbookVersion(_ context.Context, id string, version int) (runbook.Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[id] {
		if v.Version == version {
			return v, nil
		}
	}
	return runbook.Runbook{}, notFound(runbook.ErrRunbookNotFound)
}

func (s *MemoryStore) ListRunbooks(_ context.Context) ([]runbook.Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]runbook.Runbook, 0, len(s.runbooks))
	for _, rb := range s.runbooks {
		out = append(out, rb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *MemoryStore) ListRunbookVersions(_ context.Context, id string) ([]runbook.Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]runbook.Runbook(nil), s.versions[id]...), nil
}

// DeleteRunbook removes the current definition. Version history stays so
// existing executions keep resolving their snapshot.
func (s *MemoryStore) DeleteRunbook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runbooks[id]; !ok {
		return notFound(runbook.ErrRunbookNotFound)
	}
	delete(s.runbooks, id)
	return nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, e runbook.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e runbook.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; !ok {
		return notFound(runbook.ErrExecutionNotFound)
	}
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) UpdateStepExecution(_ context.Context, executionID string, step runbook.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok {
		return notFound(runbook.ErrExecutionNotFound)
	}
	e = e.Clone()
	for i := range e.Steps {
		if e.Steps[i].StepID == step.StepID {
			e.Steps[i] = step
			s.execs[executionID] = e.Clone()
			return nil
		}
	}
	e.Steps = append(e.Steps, step)
	s.execs[executionID] = e.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (runbook.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return runbook.Execution{}, notFound(runbook.ErrExecutionNotFound)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]runbook.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []runbook.Execution
	for _, e := range s.execs {
		if f.match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateRule(_ context.Context, r healing.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r healing.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return notFound(healing.ErrRuleNotFound)
	}
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return notFound(healing.ErrRuleNotFound)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (healing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return healing.Rule{}, notFound(healing.ErrRuleNotFound)
	}
	return r, nil
}

func (s *MemoryStore) ListRules(_ context.Context, enabledOnly bool) ([]healing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]healing.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if enabledOnly && !r.IsEnabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateHealingExecution(_ context.Context, e healing.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healing[e.ID] = e
	return nil
}

func (s *MemoryStore) UpdateHealingExecution(_ context.Context, e healing.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.healing[e.ID]; !ok {
		return notFound(healing.ErrExecutionNotFound)
	}
	s.healing[e.ID] = e
	return nil
}

func (s *MemoryStore) GetHealingExecution(_ context.Context, id string) (healing.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.healing[id]
	if !ok {
		return healing.Execution{}, notFound(healing.ErrExecutionNotFound)
	}
	return e, nil
}

func (s *MemoryStore) ListHealingExecutions(_ context.Context, f healing.ExecutionFilter) ([]healing.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []healing.Execution
	for _, e := range s.healing {
		if matchHealing(f, e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountHealingExecutionsSince(_ context.Context, ruleID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.healing {
		if e.RuleID == ruleID && !e.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LastHealingExecutionStart(_ context.Context, ruleID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	found := false
	for _, e := range s.healing {
		if e.RuleID == ruleID && (!found || e.StartedAt.After(last)) {
			last = e.StartedAt
			found = true
		}
	}
	return last, found, nil
}
