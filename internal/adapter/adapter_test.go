package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

func TestInvokeMissingCapabilityIsRetryable(t *testing.T) {
	reg := NewRegistry()
	res := reg.Invoke(context.Background(), Request{Capability: "nope"}, time.Second)
	if res.Succeeded() || !res.Retryable || res.ErrorCode != domain.CodeAdapterUnavailable {
		t.Fatalf("Invoke(missing)=%+v", res)
	}
}

func TestInvokeOutcomes(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("echo", Echo)
	_ = reg.Register("slow", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	_ = reg.Register("stubborn", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		time.Sleep(200 * time.Millisecond)
		return Result{Outcome: OutcomeSuccess}, nil
	}))
	_ = reg.Register("panics", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		panic("boom")
	}))
	_ = reg.Register("permanent", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{}, Permanent(errors.New("bad input"))
	}))
	_ = reg.Register("transient", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{}, errors.New("connection refused")
	}))
	_ = reg.Register("weird", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Outcome: "maybe"}, nil
	}))

	cases := []struct {
		capability    string
		wantSuccess   bool
		wantRetryable bool
		wantTimedOut  bool
	}{
		{"echo", true, false, false},
		{"slow", false, true, true},
		{"stubborn", false, true, true},
		{"panics", false, false, false},
		{"permanent", false, false, false},
		{"transient", false, true, false},
		{"weird", false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.capability, func(t *testing.T) {
			res := reg.Invoke(context.Background(), Request{Capability: tc.capability, Input: domain.Metadata{"x": "y"}}, 20*time.Millisecond)
			if res.Succeeded() != tc.wantSuccess || res.Retryable != tc.wantRetryable || res.TimedOut != tc.wantTimedOut {
				t.Fatalf("Invoke()=%+v", res)
			}
		})
	}
}

func TestEchoReturnsInput(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("echo", Echo)
	res := reg.Invoke(context.Background(), Request{Capability: "echo", Input: domain.Metadata{"a": "b"}}, 0)
	if res.Payload["a"] != "b" {
		t.Fatalf("payload=%v", res.Payload)
	}
}

func TestInvokeParentCancelledIsNotRetryable(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("slow", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := reg.Invoke(ctx, Request{Capability: "slow"}, time.Second)
	if res.Retryable || res.ErrorCode != domain.CodeRunCancelled {
		t.Fatalf("Invoke(cancelled)=%+v", res)
	}
}

func TestRegistrySnapshots(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(" ", Echo); err == nil {
		t.Fatalf("expected error for blank name")
	}
	_ = reg.Register("b", Echo)
	_ = reg.Register("a", Echo)
	if got := reg.Names(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("Names()=%v", got)
	}
	reg.Replace(map[string]Handler{"c": Echo})
	if _, ok := reg.Lookup("a"); ok {
		t.Fatalf("Replace() kept old handler")
	}
}
