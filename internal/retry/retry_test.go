package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
)

func TestResolve(t *testing.T) {
	tpl := &domain.RetryPolicy{MaxAttempts: 5, Base: 2 * time.Second}
	step := &domain.RetryPolicy{MaxAttempts: 2}

	if got := Resolve(nil, nil); got != Default {
		t.Fatalf("Resolve(nil,nil)=%+v, want default", got)
	}
	got := Resolve(nil, tpl)
	if got.MaxAttempts != 5 || got.Base != 2*time.Second || got.MaxDelay != time.Minute {
		t.Fatalf("template policy=%+v", got)
	}
	got = Resolve(step, tpl)
	if got.MaxAttempts != 2 || got.Base != time.Second {
		t.Fatalf("step override=%+v", got)
	}
}

func TestDelaySequence(t *testing.T) {
	p := domain.RetryPolicy{MaxAttempts: 10, Base: time.Second, MaxDelay: 20 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 20, 20, 20, 20}
	got := Schedule(p)
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Fatalf("delay[%d]=%v, want %v", i, got[i], want[i]*time.Second)
		}
		if i > 0 && got[i] < got[i-1] {
			t.Fatalf("delays must be non-decreasing: %v", got)
		}
		if got[i] > p.MaxDelay {
			t.Fatalf("delay[%d]=%v exceeds max %v", i, got[i], p.MaxDelay)
		}
	}
}

func TestDelayDoesNotOverflow(t *testing.T) {
	p := domain.RetryPolicy{MaxAttempts: 100, Base: time.Hour, MaxDelay: 24 * time.Hour}
	if got := Delay(p, 90); got != 24*time.Hour {
		t.Fatalf("Delay=%v, want cap", got)
	}
}

func TestDecide(t *testing.T) {
	p := domain.RetryPolicy{MaxAttempts: 3, Base: time.Second, MaxDelay: time.Minute}

	d := Decide(p, 1, true, nil)
	if !d.Retry || d.NextAttempt != 2 || d.Delay != time.Second {
		t.Fatalf("after attempt 1: %+v", d)
	}
	d = Decide(p, 2, true, nil)
	if !d.Retry || d.NextAttempt != 3 || d.Delay != 2*time.Second {
		t.Fatalf("after attempt 2: %+v", d)
	}
	d = Decide(p, 3, true, errors.New("timeout"))
	if d.Retry || !errors.Is(d.Err, domain.ErrRetriesExhausted) {
		t.Fatalf("after attempt 3: %+v", d)
	}

	cause := errors.New("bad input")
	d = Decide(p, 1, false, cause)
	if d.Retry || d.Err != cause {
		t.Fatalf("non-retryable: %+v", d)
	}
}
