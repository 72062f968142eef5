package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/google/uuid"
)

type Store struct {
	db      DB
	closer  func() error
	pinger  func(context.Context) error
	dialect Dialect
}

var _ repo.Store = (*Store)(nil)

// New wraps db. The store takes ownership of db and closes it on Close.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, closer: db.Close, pinger: db.PingContext, dialect: dialect}
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

const (
	insertRunQuery = `INSERT INTO runs (run_id, template_id, template_version, status, needs_review, state, version, created_at_ns, updated_at_ns)
	 VALUES (?,?,?,?,?,?,?,?,?)`

	selectRunQuery = `SELECT state, version FROM runs WHERE run_id = ?`

	updateRunQuery = `UPDATE runs SET status = ?, needs_review = ?, state = ?, version = ?, updated_at_ns = ?
	 WHERE run_id = ? AND version = ?`

	countRunsByStatusQuery = `SELECT status, COUNT(*) FROM runs GROUP BY status`

	insertStepExecutionQuery = `INSERT INTO step_executions (step_execution_id, run_id, step_id, attempt, outcome, finished_at_ns, record)
	 VALUES (?,?,?,?,?,?,?)
	 ON CONFLICT (run_id, step_id, attempt) DO NOTHING`

	listStepExecutionsQuery = `SELECT record FROM step_executions WHERE run_id = ? ORDER BY finished_at_ns ASC, step_id ASC, attempt ASC`

	insertTicketQuery = `INSERT INTO tickets (ticket_id, run_id, status, role, issued_at_ns, expires_at_ns, record)
	 VALUES (?,?,?,?,?,?,?)`

	selectTicketQuery = `SELECT record FROM tickets WHERE ticket_id = ?`

	updateTicketQuery = `UPDATE tickets SET status = ?, role = ?, expires_at_ns = ?, record = ? WHERE ticket_id = ?`

	insertAuditQuery = `INSERT INTO audit_entries (run_id, seq, event_type, payload, payload_hash, prev_hash, entry_hash, ts_ns)
	 VALUES (?,?,?,?,?,?,?,?)`

	lastAuditQuery = `SELECT run_id, seq, event_type, payload, payload_hash, prev_hash, entry_hash, ts_ns
	 FROM audit_entries WHERE run_id = ? ORDER BY seq DESC LIMIT 1`
)

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(insertRunQuery),
		run.ID,
		run.TemplateID,
		run.TemplateVersion,
		string(run.Status),
		run.NeedsReview,
		string(state),
		run.Version,
		toNanos(run.CreatedAt),
		toNanos(run.UpdatedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", run.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var (
		state   string
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.q(selectRunQuery), id).Scan(&state, &version)
	if err != nil {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, handleNotFound(err, domain.ErrRunNotFound))
	}
	return decodeRun(state, version)
}

func (s *Store) UpdateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	next := run.Clone()
	next.Version = run.Version + 1
	state, err := json.Marshal(next)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode run: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(updateRunQuery),
		string(next.Status),
		next.NeedsReview,
		string(state),
		next.Version,
		toNanos(next.UpdatedAt),
		run.ID,
		run.Version,
	)
	if err != nil {
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetRun(ctx, run.ID); getErr != nil {
			return domain.Run{}, getErr
		}
		return domain.Run{}, fmt.Errorf("run %s version %d: %w", run.ID, run.Version, domain.ErrConflict)
	}
	return next, nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	query, args := buildListRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		var (
			state   string
			version int64
		)
		if err := rows.Scan(&state, &version); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := decodeRun(state, version)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func buildListRunsQuery(filter repo.RunFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.NeedsReview {
		where = append(where, "needs_review = ?")
		args = append(args, true)
	}

	query := "SELECT state, version FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ns DESC, run_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return query, args
}

func decodeRun(state string, version int64) (domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal([]byte(state), &run); err != nil {
		return domain.Run{}, fmt.Errorf("decode run: %w", err)
	}
	run.Version = version
	if run.Context == nil {
		run.Context = domain.Metadata{}
	}
	return run, nil
}

func (s *Store) CountRunsByStatus(ctx context.Context) (map[domain.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, countRunsByStatusQuery)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.RunStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		out[domain.RunStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) InsertStepExecution(ctx context.Context, rec domain.StepExecution) (bool, error) {
	if rec.RunID == "" || rec.StepID == "" {
		return false, errors.New("run id and step id are required")
	}
	if rec.Attempt < 1 {
		return false, errors.New("attempt must be >= 1")
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode step execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(insertStepExecutionQuery),
		rec.ID,
		rec.RunID,
		rec.StepID,
		rec.Attempt,
		string(rec.Outcome),
		toNanos(rec.FinishedAt),
		string(raw),
	)
	if err != nil {
		return false, fmt.Errorf("insert step execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert step execution: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) ListStepExecutions(ctx context.Context, runID string) ([]domain.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.q(listStepExecutionsQuery), runID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepExecution, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		var rec domain.StepExecution
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode step execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CreateTicket(ctx context.Context, t domain.Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(insertTicketQuery),
		t.ID,
		t.RunID,
		string(t.Status),
		t.Role,
		toNanos(t.IssuedAt),
		toNanos(t.ExpiresAt),
		string(raw),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("ticket %s: %w", t.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, s.q(selectTicketQuery), id).Scan(&raw); err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", id, handleNotFound(err, domain.ErrTicketNotFound))
	}
	return decodeTicket(raw)
}

func (s *Store) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(updateTicketQuery),
		string(t.Status),
		t.Role,
		toNanos(t.ExpiresAt),
		string(raw),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("ticket %s: %w", t.ID, domain.ErrTicketNotFound)
	}
	return nil
}

func (s *Store) ListTickets(ctx context.Context, filter repo.TicketFilter) ([]domain.Ticket, error) {
	query, args := buildListTicketsQuery(filter)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Ticket, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t, err := decodeTicket(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func buildListTicketsQuery(filter repo.TicketFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if !filter.DueBefore.IsZero() {
		where = append(where, "expires_at_ns <= ?")
		args = append(args, toNanos(filter.DueBefore))
	}
	query := "SELECT record FROM tickets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issued_at_ns ASC, ticket_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return query, args
}

func decodeTicket(raw string) (domain.Ticket, error) {
	var t domain.Ticket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	return t, nil
}

func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(insertAuditQuery),
		e.RunID,
		e.Sequence,
		e.EventType,
		string(e.Payload),
		e.PayloadHash,
		e.PrevEntryHash,
		e.EntryHash,
		toNanos(e.Timestamp),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("audit %s#%d: %w", e.RunID, e.Sequence, domain.ErrConflict)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) LastAudit(ctx context.Context, runID string) (domain.AuditEntry, bool, error) {
	e, err := scanAudit(s.db.QueryRowContext(ctx, s.q(lastAuditQuery), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditEntry{}, false, nil
	}
	if err != nil {
		return domain.AuditEntry{}, false, fmt.Errorf("last audit entry: %w", err)
	}
	return e, true, nil
}

func (s *Store) ListAudit(ctx context.Context, runID string, rng repo.AuditRange) ([]domain.AuditEntry, error) {
	query, args := buildListAuditQuery(runID, rng)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildListAuditQuery(runID string, rng repo.AuditRange) (string, []any) {
	where := []string{"run_id = ?"}
	args := []any{runID}
	if rng.FromSeq > 0 {
		where = append(where, "seq >= ?")
		args = append(args, rng.FromSeq)
	}
	if rng.ToSeq > 0 {
		where = append(where, "seq <= ?")
		args = append(args, rng.ToSeq)
	}
	if !rng.From.IsZero() {
		where = append(where, "ts_ns >= ?")
		args = append(args, toNanos(rng.From))
	}
	if !rng.To.IsZero() {
		where = append(where, "ts_ns <= ?")
		args = append(args, toNanos(rng.To))
	}
	query := `SELECT run_id, seq, event_type, payload, payload_hash, prev_hash, entry_hash, ts_ns
	 FROM audit_entries WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	return query, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(row scanner) (domain.AuditEntry, error) {
	var (
		e       domain.AuditEntry
		payload string
		ts      int64
	)
	if err := row.Scan(&e.RunID, &e.Sequence, &e.EventType, &payload, &e.PayloadHash, &e.PrevEntryHash, &e.EntryHash, &ts); err != nil {
		return domain.AuditEntry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.Timestamp = fromNanos(ts)
	return e, nil
}
