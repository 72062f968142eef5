// Package memory is an in-process repo.Store. Values are cloned on the way in
// and out so callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/google/uuid"
)

type Store struct {
	mu      sync.RWMutex
	runs    map[string]domain.Run
	steps   map[string][]domain.StepExecution
	tickets map[string]domain.Ticket
	audit   map[string][]domain.AuditEntry
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		runs:    make(map[string]domain.Run),
		steps:   make(map[string][]domain.StepExecution),
		tickets: make(map[string]domain.Ticket),
		audit:   make(map[string][]domain.AuditEntry),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, domain.ErrConflict)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	return run.Clone(), nil
}

func (s *Store) UpdateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", run.ID, domain.ErrRunNotFound)
	}
	if cur.Version != run.Version {
		return domain.Run{}, fmt.Errorf("run %s version %d (stored %d): %w", run.ID, run.Version, cur.Version, domain.ErrConflict)
	}
	next := run.Clone()
	next.Version++
	s.runs[run.ID] = next
	return next.Clone(), nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.TemplateID != "" && run.TemplateID != filter.TemplateID {
			continue
		}
		if filter.NeedsReview && !run.NeedsReview {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountRunsByStatus(ctx context.Context) (map[domain.RunStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.RunStatus]int)
	for _, run := range s.runs {
		out[run.Status]++
	}
	return out, nil
}

func (s *Store) InsertStepExecution(ctx context.Context, rec domain.StepExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps[rec.RunID] {
		if existing.StepID == rec.StepID && existing.Attempt == rec.Attempt {
			return false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Result != nil {
		rec.Result = rec.Result.Clone()
	}
	s.steps[rec.RunID] = append(s.steps[rec.RunID], rec)
	return true, nil
}

func (s *Store) ListStepExecutions(ctx context.Context, runID string) ([]domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StepExecution, 0, len(s.steps[runID]))
	for _, rec := range s.steps[runID] {
		if rec.Result != nil {
			rec.Result = rec.Result.Clone()
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.Before(out[j].FinishedAt)
	})
	return out, nil
}

func (s *Store) CreateTicket(ctx context.Context, ticket domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket.ID]; ok {
		return fmt.Errorf("ticket %s: %w", ticket.ID, domain.ErrConflict)
	}
	s.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", id, domain.ErrTicketNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticket domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket.ID]; !ok {
		return fmt.Errorf("ticket %s: %w", ticket.ID, domain.ErrTicketNotFound)
	}
	s.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (s *Store) ListTickets(ctx context.Context, filter repo.TicketFilter) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Ticket, 0)
	for _, t := range s.tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Role != "" && t.Role != filter.Role {
			continue
		}
		if filter.RunID != "" && t.RunID != filter.RunID {
			continue
		}
		if !filter.DueBefore.IsZero() && t.ExpiresAt.After(filter.DueBefore) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.audit[entry.RunID]
	if n := len(chain); n > 0 && chain[n-1].Sequence >= entry.Sequence {
		return fmt.Errorf("audit %s#%d: %w", entry.RunID, entry.Sequence, domain.ErrConflict)
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.audit[entry.RunID] = append(chain, entry)
	return nil
}

func (s *Store) LastAudit(ctx context.Context, runID string) (domain.AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.audit[runID]
	if len(chain) == 0 {
		return domain.AuditEntry{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (s *Store) ListAudit(ctx context.Context, runID string, rng repo.AuditRange) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.audit[runID]))
	for _, e := range s.audit[runID] {
		if rng.Contains(e) {
			e.Payload = append([]byte(nil), e.Payload...)
			out = append(out, e)
		}
	}
	return out, nil
}

// Tamper overwrites a stored audit entry. Test helper for chain verification.
func (s *Store) Tamper(runID string, seq int64, mutate func(*domain.AuditEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audit[runID] {
		if s.audit[runID][i].Sequence == seq {
			mutate(&s.audit[runID][i])
			return true
		}
	}
	return false
}
