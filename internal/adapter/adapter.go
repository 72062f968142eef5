// Package adapter maps capability names to the handlers that perform step
// work, and enforces the invoke/timeout contract around them.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type Request struct {
	RunID      string          `json:"runId"`
	StepID     string          `json:"stepId"`
	Attempt    int             `json:"attempt"`
	Capability string          `json:"capability"`
	Input      domain.Metadata `json:"input"`
}

type Result struct {
	Outcome   Outcome         `json:"outcome"`
	Payload   domain.Metadata `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	TimedOut  bool            `json:"timedOut,omitempty"`
}

func (r Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// Handler performs a capability. Handlers must be idempotent: the same
// request may be delivered more than once.
type Handler interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Invoke(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Echo returns its input as the payload.
var Echo = HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
	return Result{Outcome: OutcomeSuccess, Payload: req.Input.Clone()}, nil
})

type Registry struct {
	mu       sync.Mutex
	handlers atomic.Pointer[map[string]Handler]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Handler{}
	r.handlers.Store(&empty)
	return r
}

// Register adds or replaces one handler. Readers keep the snapshot they
// loaded.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("capability name is required")
	}
	if h == nil {
		return fmt.Errorf("capability %s: handler is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.handlers.Load()
	next := make(map[string]Handler, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[name] = h
	r.handlers.Store(&next)
	return nil
}

// Replace swaps the whole handler set at once.
func (r *Registry) Replace(handlers map[string]Handler) {
	next := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		next[k] = v
	}
	r.mu.Lock()
	r.handlers.Store(&next)
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := (*r.handlers.Load())[name]
	return h, ok
}

func (r *Registry) Names() []string {
	cur := *r.handlers.Load()
	out := make([]string, 0, len(cur))
	for k := range cur {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the capability named by req with timeout enforced. It never
// returns an error: every failure is folded into a failure Result so the
// caller can route it through retry handling.
func (r *Registry) Invoke(ctx context.Context, req Request, timeout time.Duration) Result {
	h, ok := r.Lookup(req.Capability)
	if !ok {
		return Result{
			Outcome:   OutcomeFailure,
			Error:     fmt.Sprintf("%v: %s", domain.ErrAdapterUnavailable, req.Capability),
			ErrorCode: domain.CodeAdapterUnavailable,
			Retryable: true,
		}
	}

	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- reply{err: Permanent(fmt.Errorf("handler panic: %v", v))}
			}
		}()
		res, err := h.Invoke(callCtx, req)
		done <- reply{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return failureFromError(ctx, callCtx, out.err)
		}
		return normalise(out.res)
	case <-callCtx.Done():
		return failureFromError(ctx, callCtx, callCtx.Err())
	}
}

func failureFromError(parent, call context.Context, err error) Result {
	switch {
	case parent.Err() != nil:
		return Result{Outcome: OutcomeFailure, Error: "cancelled: " + err.Error(), ErrorCode: domain.CodeRunCancelled}
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return Result{Outcome: OutcomeFailure, Error: "timeout: " + err.Error(), ErrorCode: domain.CodeStepFailure, Retryable: true, TimedOut: true}
	case IsPermanent(err):
		return Result{Outcome: OutcomeFailure, Error: err.Error(), ErrorCode: domain.CodeStepFailure}
	default:
		return Result{Outcome: OutcomeFailure, Error: err.Error(), ErrorCode: domain.CodeAdapterUnavailable, Retryable: true}
	}
}

func normalise(res Result) Result {
	switch res.Outcome {
	case "":
		res.Outcome = OutcomeSuccess
	case OutcomeSuccess, OutcomeFailure:
	default:
		return Result{Outcome: OutcomeFailure, Error: fmt.Sprintf("unknown outcome %q", res.Outcome), ErrorCode: domain.CodeStepFailure}
	}
	if res.Outcome == OutcomeFailure && res.ErrorCode == "" {
		res.ErrorCode = domain.CodeStepFailure
	}
	return res
}
