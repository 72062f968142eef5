// Package telemetry exposes the engine's OpenTelemetry counters.
//
// Setup builds an SDK meter provider whose counters can be read back through
// Snapshot and, optionally, exported to a writer. A nil *Metrics is valid and
// records nothing.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/animus-labs/flowgate"

type Metrics struct {
	runsStarted     metric.Int64Counter
	runsTerminal    metric.Int64Counter
	stepsDispatched metric.Int64Counter
	stepRetries     metric.Int64Counter
	policyDecisions metric.Int64Counter
	ticketsOpened   metric.Int64Counter
	ticketsResolved metric.Int64Counter
	ledgerAppends   metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, errors.New("meter is required")
	}

	var (
		m    Metrics
		errs []error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	m.runsStarted = counter("flowgate.runs.started", "Runs started")
	m.runsTerminal = counter("flowgate.runs.terminal", "Runs reaching a terminal status")
	m.stepsDispatched = counter("flowgate.steps.dispatched", "Step attempts dispatched to adapters")
	m.stepRetries = counter("flowgate.steps.retries", "Step retries scheduled")
	m.policyDecisions = counter("flowgate.policy.decisions", "Policy gate evaluations")
	m.ticketsOpened = counter("flowgate.tickets.opened", "Human-gate tickets opened")
	m.ticketsResolved = counter("flowgate.tickets.resolved", "Human-gate tickets resolved")
	m.ledgerAppends = counter("flowgate.ledger.appends", "Audit ledger entries appended")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RunStarted(ctx context.Context, templateID string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("template_id", templateID)))
}

func (m *Metrics) RunTerminal(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runsTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) StepDispatched(ctx context.Context, capability string) {
	if m == nil {
		return
	}
	m.stepsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}

func (m *Metrics) RetryScheduled(ctx context.Context, stepID string) {
	if m == nil {
		return
	}
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step_id", stepID)))
}

func (m *Metrics) PolicyDecision(ctx context.Context, effect string) {
	if m == nil {
		return
	}
	m.policyDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("effect", effect)))
}

func (m *Metrics) TicketOpened(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.ticketsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) TicketResolved(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ticketsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) LedgerAppend(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.ledgerAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
