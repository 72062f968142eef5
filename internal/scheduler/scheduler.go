// Package scheduler is a delayed queue of retry timers. Due timers are handed
// to a FireFunc, which normally publishes timer.fired on the bus.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/animus-labs/flowgate/internal/bus"
)

type Timer struct {
	ID      string    `json:"id"`
	RunID   string    `json:"runId"`
	StepID  string    `json:"stepId"`
	Attempt int       `json:"attempt"`
	DueAt   time.Time `json:"dueAt"`
}

// TimerID is the stable id of the retry timer for a step attempt.
func TimerID(runID, stepID string, attempt int) string {
	return runID + "/" + stepID + "/" + strconv.Itoa(attempt)
}

type FireFunc func(ctx context.Context, t Timer) error

// PublishTo fires timers as timer.fired messages.
func PublishTo(pub bus.Publisher) FireFunc {
	return func(ctx context.Context, t Timer) error {
		msg, err := bus.NewMessage(bus.TopicTimerFired, t.RunID, t.StepID, t.Attempt, "TIMER_FIRED", t)
		if err != nil {
			return err
		}
		return pub.Publish(ctx, msg)
	}
}

type Scheduler struct {
	logger *slog.Logger
	fire   FireFunc
	now    func() time.Time

	mu    sync.Mutex
	queue timerHeap
	index map[string]*item
	wake  chan struct{}
}

func New(logger *slog.Logger, fire FireFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		fire:   fire,
		now:    time.Now,
		index:  make(map[string]*item),
		wake:   make(chan struct{}, 1),
	}
}

// Schedule adds t, replacing any pending timer with the same id.
func (s *Scheduler) Schedule(t Timer) error {
	if t.ID == "" {
		return errors.New("timer id is required")
	}
	s.mu.Lock()
	if existing, ok := s.index[t.ID]; ok {
		existing.timer = t
		heap.Fix(&s.queue, existing.index)
	} else {
		it := &item{timer: t}
		heap.Push(&s.queue, it)
		s.index[t.ID] = it
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// Cancel removes a pending timer and reports whether it existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.index[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, it.index)
	delete(s.index, id)
	return true
}

// CancelRun removes every pending timer of a run.
func (s *Scheduler) CancelRun(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, it := range s.index {
		if it.timer.RunID != runID {
			continue
		}
		heap.Remove(&s.queue, it.index)
		delete(s.index, id)
		removed++
	}
	return removed
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run fires due timers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		due, wait := s.popDue()
		for _, t := range due {
			if err := s.fire(ctx, t); err != nil {
				s.logger.Error("timer fire failed", "timer_id", t.ID, "run_id", t.RunID, "step_id", t.StepID, "attempt", t.Attempt, "error", err.Error())
			}
		}
		if len(due) > 0 {
			continue
		}

		if wait >= 0 {
			tm := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tm.Stop()
				return nil
			case <-s.wake:
				tm.Stop()
			case <-tm.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

// popDue removes and returns due timers. wait is the delay until the next
// timer, or -1 when the queue is empty.
func (s *Scheduler) popDue() ([]Timer, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []Timer
	for len(s.queue) > 0 {
		next := s.queue[0]
		if next.timer.DueAt.After(now) {
			return due, next.timer.DueAt.Sub(now)
		}
		heap.Pop(&s.queue)
		delete(s.index, next.timer.ID)
		due = append(due, next.timer)
	}
	return due, -1
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type item struct {
	timer Timer
	index int
}

type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].timer.DueAt.Equal(h[j].timer.DueAt) {
		return h[i].timer.ID < h[j].timer.ID
	}
	return h[i].timer.DueAt.Before(h[j].timer.DueAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
