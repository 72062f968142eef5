package keylock

import (
	"sync"
	"testing"
)

func TestLocker_SerializesSameKey(t *testing.T) {
	l := New()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("run-1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter=%d, want 50", counter)
	}
	if l.Len() != 0 {
		t.Fatalf("Len=%d, want 0 after release", l.Len())
	}
}

func TestLocker_IndependentKeys(t *testing.T) {
	l := New()
	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := l.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
	unlockA()
	if l.Len() != 0 {
		t.Fatalf("Len=%d, want 0", l.Len())
	}
}
