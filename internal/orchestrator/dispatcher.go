package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
)

// Dispatcher runs step.dispatch messages against the adapter registry and
// reports each result on step.completed.
type Dispatcher struct {
	logger         *slog.Logger
	adapters       *adapter.Registry
	pub            bus.Publisher
	defaultTimeout time.Duration

	mu       sync.Mutex
	seq      uint64
	inflight map[string]map[uint64]context.CancelFunc
}

func NewDispatcher(logger *slog.Logger, adapters *adapter.Registry, pub bus.Publisher, defaultTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		logger:         logger,
		adapters:       adapters,
		pub:            pub,
		defaultTimeout: defaultTimeout,
		inflight:       make(map[string]map[uint64]context.CancelFunc),
	}
}

func (d *Dispatcher) Attach(b bus.Bus, workers int) error {
	return b.Subscribe(bus.TopicStepDispatch, "dispatcher", workers, d.Handle)
}

// Handle invokes the adapter for one dispatch. Results of calls cancelled
// with their run are dropped.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.Message) error {
	var p DispatchPayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("decode dispatch: %w", err)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	callCtx, cancel := context.WithCancel(ctx)
	id := d.track(msg.RunID, cancel)
	started := time.Now().UTC()
	res := d.adapters.Invoke(callCtx, adapter.Request{
		RunID:      msg.RunID,
		StepID:     msg.StepID,
		Attempt:    msg.Attempt,
		Capability: p.Capability,
		Input:      p.Input,
	}, timeout)
	finished := time.Now().UTC()
	d.untrack(msg.RunID, id)
	cancel()

	if res.ErrorCode == domain.CodeRunCancelled {
		d.logger.Info("adapter call cancelled", "run_id", msg.RunID, "step_id", msg.StepID, "attempt", msg.Attempt)
		return nil
	}
	if !res.Succeeded() {
		d.logger.Warn("adapter call failed", "run_id", msg.RunID, "step_id", msg.StepID, "attempt", msg.Attempt,
			"capability", p.Capability, "error", res.Error, "retryable", res.Retryable, "timed_out", res.TimedOut)
	}

	out, err := bus.NewMessage(bus.TopicStepCompleted, msg.RunID, msg.StepID, msg.Attempt, domain.EventStepCompleted, CompletionPayload{
		Result:     res,
		StartedAt:  started,
		FinishedAt: finished,
	})
	if err != nil {
		return err
	}
	return d.pub.Publish(ctx, out)
}

// CancelRun cancels every in-flight call of runID and reports how many.
func (d *Dispatcher) CancelRun(runID string) int {
	d.mu.Lock()
	calls := d.inflight[runID]
	delete(d.inflight, runID)
	d.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}
	return len(calls)
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, calls := range d.inflight {
		n += len(calls)
	}
	return n
}

func (d *Dispatcher) track(runID string, cancel context.CancelFunc) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	calls, ok := d.inflight[runID]
	if !ok {
		calls = make(map[uint64]context.CancelFunc)
		d.inflight[runID] = calls
	}
	calls[d.seq] = cancel
	return d.seq
}

func (d *Dispatcher) untrack(runID string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := d.inflight[runID]
	delete(calls, id)
	if len(calls) == 0 {
		delete(d.inflight, runID)
	}
}
