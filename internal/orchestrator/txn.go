package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/humangate"
	"github.com/animus-labs/flowgate/internal/policy"
	"github.com/animus-labs/flowgate/internal/retry"
	"github.com/animus-labs/flowgate/internal/scheduler"
	"github.com/animus-labs/flowgate/internal/template"
)

// ActionExecute is the policy action evaluated before a step runs.
const ActionExecute = "execute"

// txn collects the consequences of one event. Nothing leaves the engine
// until commit: audit entries are appended first, then step records and the
// run, and only then are timers, tickets and dispatches put in motion.
type txn struct {
	e       *Engine
	ctx     context.Context
	run     domain.Run
	tpl     domain.Template
	created bool

	audits  []auditEvent
	execs   []domain.StepExecution
	effects []effect
}

type auditEvent struct {
	eventType string
	payload   any
}

type effect struct {
	name string
	fn   func(ctx context.Context) error
}

func (e *Engine) begin(ctx context.Context, run domain.Run, tpl domain.Template) *txn {
	run = run.Clone()
	if run.Context == nil {
		run.Context = domain.Metadata{}
	}
	return &txn{e: e, ctx: ctx, run: run, tpl: tpl}
}

func (t *txn) audit(eventType string, payload map[string]any) {
	t.audits = append(t.audits, auditEvent{eventType: eventType, payload: payload})
}

func (t *txn) after(name string, fn func(ctx context.Context) error) {
	t.effects = append(t.effects, effect{name: name, fn: fn})
}

func (t *txn) commit(ctx context.Context) (domain.Run, error) {
	for _, a := range t.audits {
		if _, err := t.e.ledger.Append(ctx, t.run.ID, a.eventType, a.payload); err != nil {
			return domain.Run{}, fmt.Errorf("audit %s: %w", a.eventType, err)
		}
	}
	for _, rec := range t.execs {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if _, err := t.e.store.InsertStepExecution(ctx, rec); err != nil {
			return domain.Run{}, fmt.Errorf("record step %s attempt %d: %w", rec.StepID, rec.Attempt, err)
		}
	}

	t.run.UpdatedAt = t.e.now().UTC()
	saved := t.run
	if t.created {
		if err := t.e.store.CreateRun(ctx, t.run); err != nil {
			return domain.Run{}, fmt.Errorf("create run: %w", err)
		}
	} else {
		var err error
		saved, err = t.e.store.UpdateRun(ctx, t.run)
		if err != nil {
			return domain.Run{}, fmt.Errorf("update run: %w", err)
		}
	}

	// Effects are repaired by Recover when they fail, so a failure here does
	// not undo the committed state.
	for _, eff := range t.effects {
		if err := eff.fn(ctx); err != nil {
			t.e.logger.Error("run effect failed", "run_id", t.run.ID, "effect", eff.name, "error", err)
		}
	}
	return saved, nil
}

func (t *txn) terminal() bool { return t.run.Status.Terminal() }

func (t *txn) enterStep(stepID string) {
	if t.terminal() {
		return
	}
	step, ok := t.tpl.Step(stepID)
	if !ok {
		t.failRun(stepID, fmt.Errorf("%w: step %q is not part of %s", domain.ErrInvalidTransition, stepID, t.tpl.Ref()))
		return
	}
	if _, busy := t.run.Active[stepID]; busy {
		t.audit(domain.EventBranchJoined, map[string]any{"stepId": stepID, "reason": "step already active"})
		return
	}

	t.run.Visits[stepID]++
	visit := t.run.Visits[stepID]
	if limit := t.tpl.EffectiveRevisitLimit(); visit > limit {
		t.run.NeedsReview = true
		t.failRun(stepID, fmt.Errorf("%w: step %s entered %d times, limit %d", domain.ErrInvalidTransition, stepID, visit, limit))
		return
	}

	attempt := t.nextAttempt(stepID)
	t.run.CurrentStepID = stepID
	input := template.ProjectInput(step, t.run.Context)
	t.audit(domain.EventStepEntered, map[string]any{
		"stepId":  stepID,
		"visit":   visit,
		"attempt": attempt,
	})

	ruleSet := step.Policy
	if ruleSet == "" {
		ruleSet = t.tpl.PolicySet
	}
	decision, err := t.e.policy.Check(ruleSet, policy.Context{
		Action: ActionExecute,
		Step: policy.StepContext{
			ID:            step.ID,
			Capability:    step.Capability,
			RequiresHuman: step.RequiresHuman,
			Attempt:       attempt,
		},
		Template: policy.TemplateContext{ID: t.tpl.ID, Version: t.tpl.Version},
		Run:      policy.RunContext{ID: t.run.ID, StartedBy: t.run.StartedBy},
		Values:   t.run.Context,
		Input:    input,
	})
	if err != nil {
		t.failRun(stepID, fmt.Errorf("evaluate policy %s: %w", ruleSet, err))
		return
	}
	t.audit(domain.EventPolicyDecision, map[string]any{
		"stepId":         stepID,
		"attempt":        attempt,
		"effect":         decision.Effect,
		"ruleId":         decision.RuleID,
		"reason":         decision.Reason,
		"ruleSet":        decision.RuleSet,
		"ruleSetVersion": decision.RuleSetVersion,
	})
	outcome := decision.Effect
	t.after("metrics", func(ctx context.Context) error {
		t.e.metrics.PolicyDecision(ctx, outcome)
		return nil
	})

	switch {
	case decision.Effect == policy.EffectBlock:
		t.follow(stepID, domain.OutcomeBlocked, decision.Err())
	case decision.Effect == policy.EffectRequireHuman:
		reason := decision.Description
		if reason == "" {
			reason = decision.Reason
		}
		t.pause(step, attempt, 1, input, reason)
	case step.RequiresHuman:
		t.pause(step, attempt, 1, input, "step requires human approval")
	default:
		t.dispatch(step, attempt, 1, input)
	}
}

func (t *txn) nextAttempt(stepID string) int {
	if t.run.Attempts == nil {
		t.run.Attempts = map[string]int{}
	}
	t.run.Attempts[stepID]++
	return t.run.Attempts[stepID]
}

func (t *txn) pause(step domain.Step, attempt, try int, input domain.Metadata, reason string) {
	ticketID := uuid.NewString()
	t.run.Active[step.ID] = domain.ActiveStep{
		StepID:   step.ID,
		Attempt:  attempt,
		Try:      try,
		Phase:    domain.PhaseAwaitingHuman,
		TicketID: ticketID,
		Input:    input,
	}
	t.audit(domain.EventRunPaused, map[string]any{
		"stepId":   step.ID,
		"attempt":  attempt,
		"ticketId": ticketID,
		"reason":   reason,
	})
	req := humangate.OpenRequest{
		TicketID:          ticketID,
		RunID:             t.run.ID,
		StepID:            step.ID,
		Attempt:           attempt,
		Payload:           input,
		Role:              step.Human.Role,
		RequiredApprovals: step.Human.Approvals,
		TTL:               step.Human.TTL,
		Reason:            reason,
	}
	t.after("open ticket", func(ctx context.Context) error {
		_, err := t.e.gate.Open(ctx, req)
		return err
	})
}

func (t *txn) dispatch(step domain.Step, attempt, try int, input domain.Metadata) {
	if step.Capability == "" {
		// A step without a capability is a routing point and succeeds at once.
		delete(t.run.Active, step.ID)
		now := t.e.now().UTC()
		t.execs = append(t.execs, domain.StepExecution{
			RunID:      t.run.ID,
			StepID:     step.ID,
			Attempt:    attempt,
			StartedAt:  now,
			FinishedAt: now,
			Outcome:    domain.StepOutcomeSuccess,
		})
		t.audit(domain.EventStepCompleted, map[string]any{"stepId": step.ID, "attempt": attempt, "outcome": "success"})
		t.follow(step.ID, domain.OutcomeSuccess, nil)
		return
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = t.e.cfg.DefaultStepTimeout
	}
	t.run.Active[step.ID] = domain.ActiveStep{
		StepID:  step.ID,
		Attempt: attempt,
		Try:     try,
		Phase:   domain.PhaseDispatched,
		Input:   input,
	}
	t.audit(domain.EventStepDispatched, map[string]any{
		"stepId":     step.ID,
		"attempt":    attempt,
		"capability": step.Capability,
		"timeoutMs":  timeout.Milliseconds(),
	})
	runID := t.run.ID
	payload := DispatchPayload{Capability: step.Capability, Input: input, Timeout: timeout}
	t.after("dispatch", func(ctx context.Context) error {
		msg, err := bus.NewMessage(bus.TopicStepDispatch, runID, step.ID, attempt, domain.EventStepDispatched, payload)
		if err != nil {
			return err
		}
		if err := t.e.pub.Publish(ctx, msg); err != nil {
			return err
		}
		t.e.metrics.StepDispatched(ctx, step.Capability)
		return nil
	})
}

func (t *txn) onCompleted(ev Event) error {
	active, ok := t.run.Active[ev.StepID]
	if !ok || active.Phase != domain.PhaseDispatched {
		return t.e.stale(ev, "step is not awaiting a result")
	}
	if active.Attempt != ev.Attempt {
		return t.e.stale(ev, fmt.Sprintf("current attempt is %d", active.Attempt))
	}
	step, ok := t.tpl.Step(ev.StepID)
	if !ok {
		return fmt.Errorf("step %s missing from %s: %w", ev.StepID, t.tpl.Ref(), domain.ErrInvalidTransition)
	}
	delete(t.run.Active, ev.StepID)

	res := *ev.Result
	rec := domain.StepExecution{
		RunID:      t.run.ID,
		StepID:     ev.StepID,
		Attempt:    ev.Attempt,
		Capability: step.Capability,
		StartedAt:  ev.StartedAt.UTC(),
		FinishedAt: ev.FinishedAt.UTC(),
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = t.e.now().UTC()
	}

	if res.Succeeded() {
		rec.Outcome = domain.StepOutcomeSuccess
		rec.Result = res.Payload
		t.execs = append(t.execs, rec)
		t.setStepResult(ev.StepID, map[string]any(res.Payload.Clone()))
		t.audit(domain.EventStepCompleted, map[string]any{
			"stepId":  ev.StepID,
			"attempt": ev.Attempt,
			"outcome": "success",
			"result":  res.Payload,
		})
		t.follow(ev.StepID, domain.OutcomeSuccess, nil)
		return nil
	}

	rec.Outcome = domain.StepOutcomeFailure
	if res.TimedOut {
		rec.Outcome = domain.StepOutcomeTimeout
	}
	rec.ErrorDetail = res.Error
	rec.ErrorCode = res.ErrorCode
	rec.Result = res.Payload
	t.execs = append(t.execs, rec)
	t.audit(domain.EventStepFailed, map[string]any{
		"stepId":    ev.StepID,
		"attempt":   ev.Attempt,
		"outcome":   string(rec.Outcome),
		"error":     res.Error,
		"errorCode": res.ErrorCode,
		"retryable": res.Retryable,
	})

	rp := retry.Resolve(step.RetryPolicy, t.tpl.RetryPolicy)
	decision := retry.Decide(rp, active.Try, res.Retryable, failureCause(ev.StepID, res))
	if decision.Retry {
		t.scheduleRetry(step, active, decision)
		return nil
	}
	t.setStepResult(ev.StepID, map[string]any{"error": map[string]any(domain.NewRunError(ev.StepID, decision.Err).Metadata())})
	t.follow(ev.StepID, domain.OutcomeFailure, decision.Err)
	return nil
}

func failureCause(stepID string, res adapter.Result) error {
	msg := res.Error
	if msg == "" {
		msg = "adapter reported failure"
	}
	switch res.ErrorCode {
	case domain.CodeAdapterUnavailable:
		return fmt.Errorf("step %s: %w: %s", stepID, domain.ErrAdapterUnavailable, msg)
	case domain.CodeRunCancelled:
		return fmt.Errorf("step %s: %w: %s", stepID, domain.ErrRunCancelled, msg)
	default:
		return fmt.Errorf("step %s: %w: %s", stepID, domain.ErrStepFailure, msg)
	}
}

func (t *txn) scheduleRetry(step domain.Step, failed domain.ActiveStep, d retry.Decision) {
	attempt := t.nextAttempt(step.ID)
	due := t.e.now().UTC().Add(d.Delay)
	t.run.Active[step.ID] = domain.ActiveStep{
		StepID:  step.ID,
		Attempt: attempt,
		Try:     d.NextAttempt,
		Phase:   domain.PhaseRetryWait,
		DueAt:   &due,
		Input:   failed.Input,
	}
	if t.run.RetryCounts == nil {
		t.run.RetryCounts = map[string]int{}
	}
	t.run.RetryCounts[step.ID]++
	t.audit(domain.EventRetryScheduled, map[string]any{
		"stepId":  step.ID,
		"attempt": attempt,
		"try":     d.NextAttempt,
		"delayMs": d.Delay.Milliseconds(),
		"dueAt":   due,
	})
	timer := scheduler.Timer{
		ID:      scheduler.TimerID(t.run.ID, step.ID, attempt),
		RunID:   t.run.ID,
		StepID:  step.ID,
		Attempt: attempt,
		DueAt:   due,
	}
	t.after("schedule retry", func(ctx context.Context) error {
		if err := t.e.timers.Schedule(timer); err != nil {
			return err
		}
		t.e.metrics.RetryScheduled(ctx, step.ID)
		return nil
	})
}

func (t *txn) onTimer(ev Event) error {
	active, ok := t.run.Active[ev.StepID]
	if !ok || active.Phase != domain.PhaseRetryWait {
		return t.e.stale(ev, "step is not waiting for a retry")
	}
	if active.Attempt != ev.Attempt {
		return t.e.stale(ev, fmt.Sprintf("current attempt is %d", active.Attempt))
	}
	step, ok := t.tpl.Step(ev.StepID)
	if !ok {
		return fmt.Errorf("step %s missing from %s: %w", ev.StepID, t.tpl.Ref(), domain.ErrInvalidTransition)
	}
	t.dispatch(step, active.Attempt, active.Try, active.Input)
	return nil
}

func (t *txn) onDecision(ev Event) error {
	rec := ev.Decision
	active, ok := t.run.Active[ev.StepID]
	if !ok || active.Phase != domain.PhaseAwaitingHuman {
		return t.e.stale(ev, "step is not awaiting a decision")
	}
	if active.TicketID != rec.TicketID || active.Attempt != ev.Attempt {
		return t.e.stale(ev, fmt.Sprintf("current ticket is %s attempt %d", active.TicketID, active.Attempt))
	}
	if !rec.Final {
		return fmt.Errorf("%w: ticket %s is not resolved", domain.ErrInvalidDecision, rec.TicketID)
	}
	step, ok := t.tpl.Step(ev.StepID)
	if !ok {
		return fmt.Errorf("step %s missing from %s: %w", ev.StepID, t.tpl.Ref(), domain.ErrInvalidTransition)
	}

	t.audit(domain.EventHumanDecisionApplied, map[string]any{
		"ticketId": rec.TicketID,
		"stepId":   rec.StepID,
		"attempt":  rec.Attempt,
		"action":   string(rec.Action),
		"actor":    rec.Actor,
		"status":   string(rec.Status),
	})

	switch rec.Action {
	case domain.ActionApprove:
		t.dispatch(step, active.Attempt, active.Try, active.Input)
	case domain.ActionModify:
		t.run.Context = t.run.Context.Merge(rec.Patch)
		t.dispatch(step, active.Attempt, active.Try, template.ProjectInput(step, t.run.Context))
	case domain.ActionReject:
		delete(t.run.Active, ev.StepID)
		t.follow(ev.StepID, domain.OutcomeRejected, fmt.Errorf("%w: ticket %s by %s", domain.ErrTicketRejected, rec.TicketID, rec.Actor))
	case domain.ActionExpire:
		delete(t.run.Active, ev.StepID)
		t.follow(ev.StepID, domain.OutcomeExpired, fmt.Errorf("%w: ticket %s", domain.ErrTicketExpired, rec.TicketID))
	default:
		return fmt.Errorf("%w: action %q", domain.ErrInvalidDecision, rec.Action)
	}
	return nil
}

// follow takes the transition for outcome. Without one, success ends the
// branch and any other outcome fails the run with cause.
func (t *txn) follow(stepID string, outcome domain.Outcome, cause error) {
	if t.terminal() {
		return
	}
	targets, ok := t.tpl.Next(stepID, outcome)
	if !ok {
		if outcome == domain.OutcomeSuccess {
			return
		}
		if cause == nil {
			cause = fmt.Errorf("%w: no transition for %s", domain.ErrStepFailure, domain.TransitionKey(stepID, outcome))
		}
		t.failRun(stepID, cause)
		return
	}
	for _, target := range targets {
		if t.terminal() {
			return
		}
		if target == domain.Terminal {
			continue
		}
		next, ok := t.tpl.Step(target)
		if !ok {
			t.failRun(stepID, fmt.Errorf("%w: %s targets unknown step %q", domain.ErrInvalidTransition, domain.TransitionKey(stepID, outcome), target))
			return
		}
		if next.Join {
			t.arriveAtJoin(stepID, target)
			continue
		}
		t.enterStep(target)
	}
}

func (t *txn) arriveAtJoin(from, join string) {
	t.audit(domain.EventBranchJoined, map[string]any{"stepId": join, "from": from})
	for _, pending := range t.run.PendingJoins {
		if pending == join {
			return
		}
	}
	t.run.PendingJoins = append(t.run.PendingJoins, join)
}

// settle releases joins once every branch has arrived, completes runs
// with nothing left to do and otherwise derives the waiting status.
func (t *txn) settle() {
	for !t.terminal() && len(t.run.Active) == 0 && len(t.run.PendingJoins) > 0 {
		joins := t.run.PendingJoins
		t.run.PendingJoins = nil
		for _, join := range joins {
			t.enterStep(join)
		}
	}
	if t.terminal() {
		return
	}
	if len(t.run.Active) == 0 {
		// A run only completes from RUNNING; a decision that ends the last
		// branch resumes the run first.
		t.setStatus(domain.RunStatusRunning)
		t.audit(domain.EventRunCompleted, map[string]any{
			"lastStep": t.run.CurrentStepID,
			"visits":   t.run.Visits,
		})
		t.finish(domain.RunStatusCompleted)
		return
	}
	t.setStatus(t.run.DeriveStatus())
}

func (t *txn) setStatus(next domain.RunStatus) {
	if next == t.run.Status {
		return
	}
	if !domain.CanTransitionRunStatus(t.run.Status, next) {
		t.e.logger.Error("refusing run status change", "run_id", t.run.ID, "from", string(t.run.Status), "to", string(next))
		return
	}
	t.audit(domain.EventRunStatusChanged, map[string]any{
		"from": string(t.run.Status),
		"to":   string(next),
	})
	t.run.Status = next
}

// failRun records cause on the run and in context.error, then stops every
// other branch.
func (t *txn) failRun(stepID string, cause error) {
	if t.terminal() {
		return
	}
	runErr := domain.NewRunError(stepID, cause)
	t.run.Error = runErr
	t.run.Context["error"] = map[string]any(runErr.Metadata())
	t.releaseBranches("run failed: " + runErr.Message)
	t.audit(domain.EventRunFailed, map[string]any{
		"stepId":      stepID,
		"code":        runErr.Code,
		"message":     runErr.Message,
		"ruleId":      runErr.RuleID,
		"needsReview": t.run.NeedsReview,
	})
	t.finish(domain.RunStatusFailed)
}

// releaseBranches withdraws tickets, cancels timers and stops in-flight
// adapter calls for every active branch.
func (t *txn) releaseBranches(reason string) {
	runID := t.run.ID
	inFlight := false
	for stepID, active := range t.run.Active {
		switch active.Phase {
		case domain.PhaseAwaitingHuman:
			ticketID := active.TicketID
			t.after("withdraw ticket", func(ctx context.Context) error {
				err := t.e.gate.Withdraw(ctx, ticketID, reason)
				if errors.Is(err, domain.ErrTicketNotFound) {
					return nil
				}
				return err
			})
		case domain.PhaseRetryWait:
			timerID := scheduler.TimerID(runID, stepID, active.Attempt)
			t.after("cancel timer", func(ctx context.Context) error {
				t.e.timers.Cancel(timerID)
				return nil
			})
		case domain.PhaseDispatched:
			inFlight = true
		}
	}
	if inFlight && t.e.canceller != nil {
		t.after("cancel adapters", func(ctx context.Context) error {
			t.e.canceller.CancelRun(runID)
			return nil
		})
	}
	t.run.Active = map[string]domain.ActiveStep{}
	t.run.PendingJoins = nil
}

func (t *txn) finish(status domain.RunStatus) {
	now := t.e.now().UTC()
	t.run.Status = status
	t.run.EndedAt = &now
	payload := TerminalPayload{Status: status, Error: t.run.Error}
	runID := t.run.ID
	t.after("publish terminal", func(ctx context.Context) error {
		t.e.metrics.RunTerminal(ctx, string(status))
		t.e.logger.Info("run finished", "run_id", runID, "status", string(status))
		msg, err := bus.NewMessage(bus.TopicRunTerminal, runID, "", 0, string(status), payload)
		if err != nil {
			return err
		}
		return t.e.pub.Publish(ctx, msg)
	})
}

// setStepResult stores value under context.steps.<stepID>, replacing any
// result from an earlier visit.
func (t *txn) setStepResult(stepID string, value map[string]any) {
	if value == nil {
		value = map[string]any{}
	}
	steps := map[string]any{}
	switch existing := t.run.Context[template.StepsKey].(type) {
	case map[string]any:
		for k, v := range existing {
			steps[k] = v
		}
	case domain.Metadata:
		for k, v := range existing {
			steps[k] = v
		}
	}
	steps[stepID] = value
	t.run.Context[template.StepsKey] = steps
}
