// Package humangate issues approval tickets for paused steps, collects
// decisions, expires overdue tickets and hands the final decision back to
// the engine.
package humangate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/ledger"
	"github.com/animus-labs/flowgate/internal/platform/keylock"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/repo"
)

// SystemActor resolves tickets on TTL expiry.
const SystemActor = "system:ttl"

// Advancer receives final decisions. The engine implements it.
type Advancer interface {
	ApplyDecision(ctx context.Context, rec domain.DecisionRecord) error
}

type OpenRequest struct {
	TicketID          string
	RunID             string
	StepID            string
	Attempt           int
	Payload           domain.Metadata
	Role              string
	RequiredApprovals int
	TTL               time.Duration
	Reason            string
}

type Decision struct {
	Action domain.DecisionAction `json:"action"`
	Patch  domain.Metadata       `json:"patch,omitempty"`
	Actor  string                `json:"actor"`
}

type Service struct {
	logger  *slog.Logger
	store   repo.TicketRepository
	ledger  *ledger.Ledger
	pub     bus.Publisher
	metrics *telemetry.Metrics
	cfg     Config
	secret  []byte
	locks   *keylock.Locker
	now     func() time.Time

	mu       sync.RWMutex
	advancer Advancer
}

func New(logger *slog.Logger, cfg Config, store repo.TicketRepository, l *ledger.Ledger, pub bus.Publisher, metrics *telemetry.Metrics) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExpiryAction == "" {
		cfg.ExpiryAction = ExpireReject
	}
	secret := []byte(cfg.DecisionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate decision secret: %w", err)
		}
		logger.Warn("DECISION_TOKEN_SECRET not set; decision tokens are valid for this process only")
	}
	return &Service{
		logger:  logger,
		store:   store,
		ledger:  l,
		pub:     pub,
		metrics: metrics,
		cfg:     cfg,
		secret:  secret,
		locks:   keylock.New(),
		now:     time.Now,
	}, nil
}

// SetAdvancer wires the engine in. The two hold references to each other.
func (s *Service) SetAdvancer(a Advancer) {
	s.mu.Lock()
	s.advancer = a
	s.mu.Unlock()
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Open(ctx context.Context, req OpenRequest) (domain.Ticket, error) {
	if strings.TrimSpace(req.RunID) == "" || strings.TrimSpace(req.StepID) == "" {
		return domain.Ticket{}, errors.New("run id and step id are required")
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	approvals := req.RequiredApprovals
	if approvals < 1 {
		approvals = 1
	}
	id := strings.TrimSpace(req.TicketID)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	t := domain.Ticket{
		ID:                id,
		RunID:             req.RunID,
		StepID:            req.StepID,
		Attempt:           req.Attempt,
		Payload:           req.Payload.Clone(),
		Role:              strings.TrimSpace(req.Role),
		RequiredApprovals: approvals,
		Reason:            req.Reason,
		IssuedAt:          now,
		TTL:               ttl,
		ExpiresAt:         now.Add(ttl),
		Status:            domain.TicketOpen,
	}
	// Re-opening the same ticket after a crash is a no-op.
	if existing, err := s.store.GetTicket(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrTicketNotFound) {
		return domain.Ticket{}, fmt.Errorf("load ticket: %w", err)
	}
	if _, err := s.ledger.Append(ctx, t.RunID, domain.EventTicketOpened, map[string]any{
		"ticketId":          t.ID,
		"stepId":            t.StepID,
		"attempt":           t.Attempt,
		"role":              t.Role,
		"requiredApprovals": t.RequiredApprovals,
		"expiresAt":         t.ExpiresAt,
		"reason":            t.Reason,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.store.GetTicket(ctx, id)
		}
		return domain.Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	s.metrics.TicketOpened(ctx, t.Role)
	s.publish(ctx, bus.TopicTicketOpened, t, domain.EventTicketOpened)
	s.logger.Info("ticket opened", "ticket_id", t.ID, "run_id", t.RunID, "step_id", t.StepID, "role", t.Role)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// ListPending returns open tickets routed to role; "" lists every role.
func (s *Service) ListPending(ctx context.Context, role string) ([]domain.Ticket, error) {
	return s.store.ListTickets(ctx, repo.TicketFilter{Status: domain.TicketOpen, Role: strings.TrimSpace(role)})
}

// Decide records one approver's decision. Partial approvals leave the
// ticket open; the final decision is signed and applied to the run.
func (s *Service) Decide(ctx context.Context, ticketID string, d Decision) (domain.DecisionRecord, error) {
	if !d.Action.Valid() {
		return domain.DecisionRecord{}, fmt.Errorf("action %q: %w", d.Action, domain.ErrInvalidDecision)
	}
	d.Actor = strings.TrimSpace(d.Actor)
	if d.Actor == "" {
		return domain.DecisionRecord{}, fmt.Errorf("actor is required: %w", domain.ErrInvalidDecision)
	}
	if d.Action == domain.ActionModify && len(d.Patch) == 0 {
		return domain.DecisionRecord{}, fmt.Errorf("modify requires a patch: %w", domain.ErrInvalidDecision)
	}

	rec, err := s.record(ctx, ticketID, d)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if rec.Final {
		if err := s.apply(ctx, rec); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (s *Service) record(ctx context.Context, ticketID string, d Decision) (domain.DecisionRecord, error) {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	now := s.now().UTC()
	if t.Status != domain.TicketOpen || t.Overdue(now) {
		return domain.DecisionRecord{}, fmt.Errorf("ticket %s is %s: %w", t.ID, t.Status, domain.ErrTicketExpired)
	}
	if t.HasApprovalFrom(d.Actor) {
		return domain.DecisionRecord{}, fmt.Errorf("ticket %s actor %s: %w", t.ID, d.Actor, domain.ErrDuplicateApproval)
	}

	t.Approvals = append(t.Approvals, domain.Approval{Actor: d.Actor, Action: d.Action, Patch: d.Patch.Clone(), DecidedAt: now})
	rec := domain.DecisionRecord{
		TicketID:  t.ID,
		RunID:     t.RunID,
		StepID:    t.StepID,
		Attempt:   t.Attempt,
		Action:    d.Action,
		Actor:     d.Actor,
		DecidedAt: now,
	}

	switch {
	case d.Action == domain.ActionReject:
		rec.Final = true
		rec.Status = domain.TicketRejected
	case countApprovals(t.Approvals) >= t.RequiredApprovals:
		rec.Final = true
		rec.Status = domain.TicketApproved
		patch := mergedPatch(t.Approvals)
		if len(patch) > 0 {
			rec.Status = domain.TicketModified
			rec.Action = domain.ActionModify
			rec.Patch = patch
		} else {
			rec.Action = domain.ActionApprove
		}
	default:
		rec.Status = domain.TicketOpen
		rec.Patch = d.Patch.Clone()
	}

	if rec.Final {
		t.Status = rec.Status
		t.ResolvedAt = &now
		t.ResolvedBy = d.Actor
	}
	if rec.Token, err = SignDecision(s.secret, rec); err != nil {
		return domain.DecisionRecord{}, err
	}
	eventType := domain.EventTicketApprovalRecorded
	if rec.Final {
		eventType = domain.EventTicketResolved
	}
	if _, err := s.ledger.Append(ctx, t.RunID, eventType, map[string]any{
		"ticketId":  t.ID,
		"stepId":    t.StepID,
		"attempt":   t.Attempt,
		"action":    d.Action,
		"actor":     d.Actor,
		"status":    rec.Status,
		"approvals": len(t.Approvals),
		"required":  t.RequiredApprovals,
		"patch":     d.Patch,
	}); err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("update ticket: %w", err)
	}
	if rec.Final {
		s.metrics.TicketResolved(ctx, string(rec.Status))
		s.publish(ctx, bus.TopicTicketResolved, rec, eventType)
	}
	s.logger.Info("ticket decision recorded", "ticket_id", t.ID, "run_id", t.RunID, "actor", d.Actor, "action", string(d.Action), "final", rec.Final)
	return rec, nil
}

func (s *Service) apply(ctx context.Context, rec domain.DecisionRecord) error {
	s.mu.RLock()
	a := s.advancer
	s.mu.RUnlock()
	if a == nil {
		return errors.New("no engine attached to human gate")
	}
	if err := a.ApplyDecision(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			s.logger.Warn("decision not applied; run moved on", "ticket_id", rec.TicketID, "run_id", rec.RunID, "error", err)
			return nil
		}
		return fmt.Errorf("apply decision: %w", err)
	}
	return nil
}

// Tick resolves every overdue open ticket exactly once using the configured
// expiry action and returns the tickets it resolved.
func (s *Service) Tick(ctx context.Context) ([]domain.Ticket, error) {
	now := s.now().UTC()
	due, err := s.store.ListTickets(ctx, repo.TicketFilter{Status: domain.TicketOpen, DueBefore: now})
	if err != nil {
		return nil, fmt.Errorf("list due tickets: %w", err)
	}
	out := make([]domain.Ticket, 0, len(due))
	var errs []error
	for _, candidate := range due {
		t, rec, ok, err := s.expire(ctx, candidate.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, t)
		if err := s.apply(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (s *Service) expire(ctx context.Context, id string, now time.Time) (domain.Ticket, domain.DecisionRecord, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return domain.Ticket{}, domain.DecisionRecord{}, false, err
	}
	if !t.Overdue(now) {
		return domain.Ticket{}, domain.DecisionRecord{}, false, nil
	}

	rec := domain.DecisionRecord{
		TicketID:  t.ID,
		RunID:     t.RunID,
		StepID:    t.StepID,
		Attempt:   t.Attempt,
		Action:    domain.ActionExpire,
		Actor:     SystemActor,
		DecidedAt: now,
		Final:     true,
		Status:    domain.TicketExpired,
	}
	if s.cfg.ExpiryAction == ExpireApprove {
		rec.Action = domain.ActionApprove
		rec.Status = domain.TicketApproved
	}
	if rec.Token, err = SignDecision(s.secret, rec); err != nil {
		return domain.Ticket{}, domain.DecisionRecord{}, false, err
	}

	t.Status = rec.Status
	t.ResolvedAt = &now
	t.ResolvedBy = SystemActor
	if _, err := s.ledger.Append(ctx, t.RunID, domain.EventTicketResolved, map[string]any{
		"ticketId": t.ID,
		"stepId":   t.StepID,
		"attempt":  t.Attempt,
		"action":   rec.Action,
		"actor":    SystemActor,
		"status":   rec.Status,
		"reason":   "ttl elapsed",
	}); err != nil {
		return domain.Ticket{}, domain.DecisionRecord{}, false, err
	}
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return domain.Ticket{}, domain.DecisionRecord{}, false, fmt.Errorf("update ticket: %w", err)
	}
	s.metrics.TicketResolved(ctx, string(rec.Status))
	s.publish(ctx, bus.TopicTicketResolved, rec, domain.EventTicketResolved)
	s.logger.Info("ticket expired", "ticket_id", t.ID, "run_id", t.RunID, "status", string(rec.Status))
	return t, rec, true, nil
}

// Run calls Tick every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := s.Tick(ctx)
			if err != nil {
				s.logger.Error("ticket sweep failed", "error", err)
			}
			if len(expired) > 0 {
				s.logger.Info("ticket sweep", "expired", len(expired))
			}
		}
	}
}

// Withdraw cancels an open ticket without applying a decision. Withdrawing
// a resolved ticket is a no-op.
func (s *Service) Withdraw(ctx context.Context, ticketID, reason string) error {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status != domain.TicketOpen {
		return nil
	}
	now := s.now().UTC()
	t.Status = domain.TicketCancelled
	t.ResolvedAt = &now
	t.ResolvedBy = "system:withdraw"
	if _, err := s.ledger.Append(ctx, t.RunID, domain.EventTicketWithdrawn, map[string]any{
		"ticketId": t.ID,
		"stepId":   t.StepID,
		"reason":   reason,
	}); err != nil {
		return err
	}
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	s.metrics.TicketResolved(ctx, string(t.Status))
	return nil
}

// VerifyDecision checks a token issued by this service.
func (s *Service) VerifyDecision(token string) (domain.DecisionRecord, error) {
	return VerifyDecisionToken(s.secret, token)
}

func (s *Service) publish(ctx context.Context, topic bus.Topic, payload any, eventType string) {
	if s.pub == nil {
		return
	}
	var runID, stepID string
	var attempt int
	switch v := payload.(type) {
	case domain.Ticket:
		runID, stepID, attempt = v.RunID, v.StepID, v.Attempt
	case domain.DecisionRecord:
		runID, stepID, attempt = v.RunID, v.StepID, v.Attempt
	}
	msg, err := bus.NewMessage(topic, runID, stepID, attempt, eventType, payload)
	if err == nil {
		err = s.pub.Publish(ctx, msg)
	}
	if err != nil {
		s.logger.Warn("publish failed", "topic", string(topic), "run_id", runID, "error", err)
	}
}

func countApprovals(approvals []domain.Approval) int {
	n := 0
	for _, a := range approvals {
		if a.Action == domain.ActionApprove || a.Action == domain.ActionModify {
			n++
		}
	}
	return n
}

func mergedPatch(approvals []domain.Approval) domain.Metadata {
	var out domain.Metadata
	for _, a := range approvals {
		if a.Action != domain.ActionModify || len(a.Patch) == 0 {
			continue
		}
		if out == nil {
			out = domain.Metadata{}
		}
		out = out.Merge(a.Patch)
	}
	return out
}
