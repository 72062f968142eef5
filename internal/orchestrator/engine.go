// Package orchestrator drives workflow runs. Every change to a run goes
// through Start, Advance or Cancel, which are serialised per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/humangate"
	"github.com/animus-labs/flowgate/internal/ledger"
	"github.com/animus-labs/flowgate/internal/platform/auth"
	"github.com/animus-labs/flowgate/internal/platform/keylock"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/policy"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/scheduler"
	"github.com/animus-labs/flowgate/internal/template"
)

// TicketGate is the part of the human gate the engine drives.
type TicketGate interface {
	Open(ctx context.Context, req humangate.OpenRequest) (domain.Ticket, error)
	Withdraw(ctx context.Context, ticketID, reason string) error
	Get(ctx context.Context, id string) (domain.Ticket, error)
}

// Timers holds retry timers until they are due.
type Timers interface {
	Schedule(t scheduler.Timer) error
	Cancel(id string) bool
}

// Canceller stops in-flight adapter calls for a run.
type Canceller interface {
	CancelRun(runID string) int
}

// Repository is the storage the engine needs.
type Repository interface {
	repo.RunRepository
	repo.StepExecutionRepository
	repo.TicketRepository
}

type Deps struct {
	Templates *template.Store
	Policy    *policy.Gate
	Gate      TicketGate
	Store     Repository
	Ledger    *ledger.Ledger
	Bus       bus.Publisher
	Timers    Timers
	Canceller Canceller
	Metrics   *telemetry.Metrics
}

type Engine struct {
	logger    *slog.Logger
	cfg       Config
	templates *template.Store
	policy    *policy.Gate
	gate      TicketGate
	store     Repository
	ledger    *ledger.Ledger
	pub       bus.Publisher
	timers    Timers
	canceller Canceller
	metrics   *telemetry.Metrics
	locks     *keylock.Locker
	now       func() time.Time
}

func New(logger *slog.Logger, cfg Config, deps Deps) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	switch {
	case deps.Templates == nil:
		return nil, errors.New("template store is required")
	case deps.Gate == nil:
		return nil, errors.New("human gate is required")
	case deps.Store == nil:
		return nil, errors.New("repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Bus == nil:
		return nil, errors.New("bus is required")
	case deps.Timers == nil:
		return nil, errors.New("timers are required")
	}
	gate := deps.Policy
	if gate == nil {
		gate = policy.NewGate(policy.NewRegistry())
	}
	return &Engine{
		logger:    logger,
		cfg:       cfg,
		templates: deps.Templates,
		policy:    gate,
		gate:      deps.Gate,
		store:     deps.Store,
		ledger:    deps.Ledger,
		pub:       deps.Bus,
		timers:    deps.Timers,
		canceller: deps.Canceller,
		metrics:   deps.Metrics,
		locks:     keylock.New(),
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start creates a run on the published template version (0 = latest) and
// enters its first step.
func (e *Engine) Start(ctx context.Context, templateID string, version int, initial domain.Metadata) (string, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return "", fmt.Errorf("template id is required: %w", domain.ErrTemplateNotFound)
	}
	tpl, err := e.templates.Resolve(ctx, templateID, version)
	if err != nil {
		return "", err
	}
	first, ok := tpl.FirstStep()
	if !ok {
		return "", fmt.Errorf("template %s has no steps: %w", tpl.Ref(), domain.ErrInvalidTransition)
	}

	startedBy := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		startedBy = identity.Subject
	}
	now := e.now().UTC()
	run := domain.Run{
		ID:              uuid.NewString(),
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Context:         initial.Clone(),
		CurrentStepID:   first.ID,
		Status:          domain.RunStatusRunning,
		RetryCounts:     map[string]int{},
		Visits:          map[string]int{},
		Attempts:        map[string]int{},
		Active:          map[string]domain.ActiveStep{},
		StartedBy:       startedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := e.locks.Lock(run.ID)
	defer unlock()

	tx := e.begin(ctx, run, tpl)
	tx.created = true
	tx.audit(domain.EventRunStarted, map[string]any{
		"templateId":      tpl.ID,
		"templateVersion": tpl.Version,
		"startedBy":       startedBy,
		"context":         run.Context,
	})
	tx.after("metrics", func(ctx context.Context) error {
		e.metrics.RunStarted(ctx, tpl.ID)
		return nil
	})
	tx.enterStep(first.ID)
	tx.settle()

	saved, err := tx.commit(ctx)
	if err != nil {
		return "", err
	}
	e.logger.Info("run started", "run_id", saved.ID, "template", tpl.Ref(), "status", string(saved.Status))
	return saved.ID, nil
}

// Advance applies one event to a run. Events that no longer match the run
// (wrong attempt, wrong ticket, terminal run) fail with ErrDuplicateEvent and
// leave the run untouched.
func (e *Engine) Advance(ctx context.Context, ev Event) (domain.Run, error) {
	if err := ev.Validate(); err != nil {
		return domain.Run{}, fmt.Errorf("%w: %v", domain.ErrInvalidTransition, err)
	}

	unlock := e.locks.Lock(ev.RunID)
	defer unlock()

	run, err := e.store.GetRun(ctx, ev.RunID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Terminal() {
		return run, e.stale(ev, fmt.Sprintf("run is %s", run.Status))
	}
	tpl, err := e.templates.Get(ctx, run.TemplateID, run.TemplateVersion)
	if err != nil {
		return domain.Run{}, err
	}

	tx := e.begin(ctx, run, tpl)
	switch ev.Type {
	case EventStepCompleted:
		err = tx.onCompleted(ev)
	case EventTimerFired:
		err = tx.onTimer(ev)
	case EventHumanDecision:
		err = tx.onDecision(ev)
	}
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			e.logger.Warn("stale event ignored", "run_id", ev.RunID, "step_id", ev.StepID, "attempt", ev.Attempt, "event", string(ev.Type), "error", err)
		}
		return run, err
	}
	tx.settle()
	return tx.commit(ctx)
}

func (e *Engine) stale(ev Event, reason string) error {
	err := fmt.Errorf("%w: %s for %s/%s attempt %d: %s", domain.ErrDuplicateEvent, ev.Type, ev.RunID, ev.StepID, ev.Attempt, reason)
	e.logger.Warn("stale event ignored", "run_id", ev.RunID, "step_id", ev.StepID, "attempt", ev.Attempt, "event", string(ev.Type), "reason", reason)
	return err
}

// Cancel stops a run. Cancelling a terminal run returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (domain.Run, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	actor := ""
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		actor = identity.Subject
	}

	tx := e.begin(ctx, run, domain.Template{})
	tx.releaseBranches("run cancelled: " + reason)
	tx.run.Error = domain.NewRunError(run.CurrentStepID, fmt.Errorf("%w: %s", domain.ErrRunCancelled, reason))
	tx.audit(domain.EventRunCancelled, map[string]any{
		"reason":      reason,
		"actor":       actor,
		"fromStatus":  string(run.Status),
		"currentStep": run.CurrentStepID,
	})
	tx.finish(domain.RunStatusCancelled)
	return tx.commit(ctx)
}

func (e *Engine) Get(ctx context.Context, runID string) (domain.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// History returns the step execution records of a run in execution order.
func (e *Engine) History(ctx context.Context, runID string) ([]domain.StepExecution, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListStepExecutions(ctx, runID)
}

func (e *Engine) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// ApplyDecision hands a final ticket decision to the run.
func (e *Engine) ApplyDecision(ctx context.Context, rec domain.DecisionRecord) error {
	_, err := e.Advance(ctx, Event{
		Type:     EventHumanDecision,
		RunID:    rec.RunID,
		StepID:   rec.StepID,
		Attempt:  rec.Attempt,
		Decision: &rec,
	})
	return err
}

// MarkArchived flags a terminal run as archived.
func (e *Engine) MarkArchived(ctx context.Context, runID string) error {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Archived {
		return nil
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrInvalidTransition)
	}
	run.Archived = true
	run.UpdatedAt = e.now().UTC()
	_, err = e.store.UpdateRun(ctx, run)
	return err
}

// Attach subscribes the engine to completion and timer events.
func (e *Engine) Attach(b bus.Bus, workers int) error {
	if err := b.Subscribe(bus.TopicStepCompleted, "engine", workers, e.handleCompleted); err != nil {
		return err
	}
	return b.Subscribe(bus.TopicTimerFired, "engine", workers, e.handleTimer)
}

func (e *Engine) handleCompleted(ctx context.Context, msg bus.Message) error {
	var p CompletionPayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	_, err := e.Advance(ctx, Event{
		Type:       EventStepCompleted,
		RunID:      msg.RunID,
		StepID:     msg.StepID,
		Attempt:    msg.Attempt,
		Result:     &p.Result,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
	})
	return ignoreStale(err)
}

func (e *Engine) handleTimer(ctx context.Context, msg bus.Message) error {
	var t scheduler.Timer
	if err := msg.Decode(&t); err != nil {
		return fmt.Errorf("decode timer: %w", err)
	}
	_, err := e.Advance(ctx, Event{
		Type:    EventTimerFired,
		RunID:   t.RunID,
		StepID:  t.StepID,
		Attempt: t.Attempt,
	})
	return ignoreStale(err)
}

// ignoreStale acknowledges events that can never apply so the bus does not
// redeliver them.
func ignoreStale(err error) error {
	if errors.Is(err, domain.ErrDuplicateEvent) || errors.Is(err, domain.ErrRunNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}

// HealthReport summarises the engine's runs and open tickets.
type HealthReport struct {
	Runs        map[domain.RunStatus]int `json:"runs"`
	Active      int                      `json:"active"`
	NeedsReview int                      `json:"needsReview"`
	OpenTickets int                      `json:"openTickets"`
	Overdue     int                      `json:"overdueTickets"`
	GeneratedAt time.Time                `json:"generatedAt"`
}

func (e *Engine) Report(ctx context.Context) (HealthReport, error) {
	counts, err := e.store.CountRunsByStatus(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("count runs: %w", err)
	}
	review, err := e.store.ListRuns(ctx, repo.RunFilter{NeedsReview: true})
	if err != nil {
		return HealthReport{}, fmt.Errorf("list runs needing review: %w", err)
	}
	open, err := e.store.ListTickets(ctx, repo.TicketFilter{Status: domain.TicketOpen})
	if err != nil {
		return HealthReport{}, fmt.Errorf("list open tickets: %w", err)
	}
	now := e.now().UTC()
	report := HealthReport{
		Runs:        map[domain.RunStatus]int{},
		NeedsReview: len(review),
		OpenTickets: len(open),
		GeneratedAt: now,
	}
	for status, n := range counts {
		report.Runs[status] = n
		if !status.Terminal() {
			report.Active += n
		}
	}
	for _, t := range open {
		if t.Overdue(now) {
			report.Overdue++
		}
	}
	return report, nil
}
