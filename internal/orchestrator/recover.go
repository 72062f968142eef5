package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/humangate"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/scheduler"
)

// Recover puts every waiting branch of every non-terminal run back in
// motion after a restart: dispatches are re-published, retry timers
// rescheduled and missing tickets re-opened under their original id.
// Adapters and the engine tolerate the duplicates this produces.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusRetrying, domain.RunStatusPausedForHuman} {
		runs, err := e.store.ListRuns(ctx, repo.RunFilter{Status: status})
		if err != nil {
			return recovered, fmt.Errorf("list %s runs: %w", status, err)
		}
		for _, run := range runs {
			decisions, err := e.recoverRun(ctx, run.ID)
			if err != nil {
				e.logger.Error("recover run", "run_id", run.ID, "error", err)
				continue
			}
			for _, rec := range decisions {
				if err := ignoreStale(e.ApplyDecision(ctx, rec)); err != nil {
					e.logger.Error("reapply decision", "run_id", run.ID, "ticket_id", rec.TicketID, "error", err)
				}
			}
			recovered++
		}
	}
	if recovered > 0 {
		e.logger.Info("runs recovered", "count", recovered)
	}
	return recovered, nil
}

// recoverRun returns decisions that resolved a ticket but never reached the
// run; the caller applies them once the run lock is released.
func (e *Engine) recoverRun(ctx context.Context, runID string) ([]domain.DecisionRecord, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, nil
	}
	tpl, err := e.templates.Get(ctx, run.TemplateID, run.TemplateVersion)
	if err != nil {
		return nil, err
	}

	var lost []domain.DecisionRecord

	for stepID, active := range run.Active {
		step, ok := tpl.Step(stepID)
		if !ok {
			return nil, fmt.Errorf("step %s missing from %s: %w", stepID, tpl.Ref(), domain.ErrInvalidTransition)
		}
		switch active.Phase {
		case domain.PhaseDispatched:
			timeout := step.Timeout
			if timeout <= 0 {
				timeout = e.cfg.DefaultStepTimeout
			}
			msg, err := bus.NewMessage(bus.TopicStepDispatch, run.ID, stepID, active.Attempt, domain.EventStepDispatched, DispatchPayload{
				Capability: step.Capability,
				Input:      active.Input,
				Timeout:    timeout,
			})
			if err != nil {
				return nil, err
			}
			if err := e.pub.Publish(ctx, msg); err != nil {
				return nil, fmt.Errorf("republish dispatch: %w", err)
			}
		case domain.PhaseRetryWait:
			due := e.now().UTC()
			if active.DueAt != nil {
				due = *active.DueAt
			}
			if err := e.timers.Schedule(scheduler.Timer{
				ID:      scheduler.TimerID(run.ID, stepID, active.Attempt),
				RunID:   run.ID,
				StepID:  stepID,
				Attempt: active.Attempt,
				DueAt:   due,
			}); err != nil {
				return nil, fmt.Errorf("reschedule retry: %w", err)
			}
		case domain.PhaseAwaitingHuman:
			ticket, err := e.gate.Get(ctx, active.TicketID)
			if err == nil {
				if rec, ok := lostDecision(ticket); ok {
					lost = append(lost, rec)
				}
				continue
			}
			if !errors.Is(err, domain.ErrTicketNotFound) {
				return nil, err
			}
			if _, err := e.gate.Open(ctx, humangate.OpenRequest{
				TicketID:          active.TicketID,
				RunID:             run.ID,
				StepID:            stepID,
				Attempt:           active.Attempt,
				Payload:           active.Input,
				Role:              step.Human.Role,
				RequiredApprovals: step.Human.Approvals,
				TTL:               step.Human.TTL,
				Reason:            "reopened after restart",
			}); err != nil {
				return nil, fmt.Errorf("reopen ticket: %w", err)
			}
		}
	}
	return lost, nil
}

// lostDecision rebuilds the decision of a resolved ticket.
func lostDecision(t domain.Ticket) (domain.DecisionRecord, bool) {
	var action domain.DecisionAction
	switch t.Status {
	case domain.TicketApproved:
		action = domain.ActionApprove
	case domain.TicketModified:
		action = domain.ActionModify
	case domain.TicketRejected:
		action = domain.ActionReject
	case domain.TicketExpired:
		action = domain.ActionExpire
	default:
		return domain.DecisionRecord{}, false
	}
	rec := domain.DecisionRecord{
		TicketID: t.ID,
		RunID:    t.RunID,
		StepID:   t.StepID,
		Attempt:  t.Attempt,
		Action:   action,
		Actor:    t.ResolvedBy,
		Final:    true,
		Status:   t.Status,
	}
	if t.ResolvedAt != nil {
		rec.DecidedAt = *t.ResolvedAt
	}
	if action == domain.ActionModify {
		patch := domain.Metadata{}
		for _, a := range t.Approvals {
			if a.Action == domain.ActionModify {
				patch = patch.Merge(a.Patch)
			}
		}
		rec.Patch = patch
	}
	return rec, true
}
