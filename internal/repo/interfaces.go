package repo

import (
	"context"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

type RunFilter struct {
	Status      domain.RunStatus
	TemplateID  string
	NeedsReview bool
	Limit       int
}

type TicketFilter struct {
	Status domain.TicketStatus
	Role   string
	RunID  string
	// DueBefore selects tickets whose ExpiresAt is at or before the instant.
	DueBefore time.Time
	Limit     int
}

// AuditRange bounds an audit query. Zero values are open ends; To and ToSeq
// are inclusive.
type AuditRange struct {
	FromSeq int64
	ToSeq   int64
	From    time.Time
	To      time.Time
}

func (r AuditRange) Contains(e domain.AuditEntry) bool {
	if r.FromSeq > 0 && e.Sequence < r.FromSeq {
		return false
	}
	if r.ToSeq > 0 && e.Sequence > r.ToSeq {
		return false
	}
	if !r.From.IsZero() && e.Timestamp.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && e.Timestamp.After(r.To) {
		return false
	}
	return true
}

// RunRepository stores run state. UpdateRun is optimistic: it fails with
// domain.ErrConflict unless run.Version matches the stored version, and
// returns the run with its version incremented.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, run domain.Run) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	CountRunsByStatus(ctx context.Context) (map[domain.RunStatus]int, error)
}

// StepExecutionRepository records attempts. Insert is idempotent on
// (runId, stepId, attempt) and reports whether a row was created.
type StepExecutionRepository interface {
	InsertStepExecution(ctx context.Context, rec domain.StepExecution) (bool, error)
	ListStepExecutions(ctx context.Context, runID string) ([]domain.StepExecution, error)
}

type TicketRepository interface {
	CreateTicket(ctx context.Context, ticket domain.Ticket) error
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, ticket domain.Ticket) error
	ListTickets(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
}

// AuditRepository is append-only. AppendAudit fails with domain.ErrConflict
// when (runId, sequence) already exists.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	LastAudit(ctx context.Context, runID string) (domain.AuditEntry, bool, error)
	ListAudit(ctx context.Context, runID string, rng AuditRange) ([]domain.AuditEntry, error)
}

// Store bundles every repository over one backend.
type Store interface {
	RunRepository
	StepExecutionRepository
	TicketRepository
	AuditRepository
	Ping(ctx context.Context) error
	Close() error
}
