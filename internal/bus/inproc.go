package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

type Config struct {
	Workers         int
	MaxRedeliveries int
	RedeliveryDelay time.Duration
}

func ConfigFromEnv() (Config, error) {
	workers, err := env.Int("BUS_WORKERS", 8)
	if err != nil {
		return Config{}, err
	}
	maxRedeliveries, err := env.Int("BUS_MAX_REDELIVERIES", 5)
	if err != nil {
		return Config{}, err
	}
	delay, err := env.Duration("BUS_REDELIVERY_DELAY", 200*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Workers: workers, MaxRedeliveries: maxRedeliveries, RedeliveryDelay: delay}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("BUS_WORKERS must be positive")
	}
	if c.MaxRedeliveries < 0 {
		return errors.New("BUS_MAX_REDELIVERIES must be >= 0")
	}
	if c.RedeliveryDelay < 0 {
		return errors.New("BUS_REDELIVERY_DELAY must be >= 0")
	}
	return nil
}

// InProc is an in-process bus. Each subscription owns an unbounded queue
// served by a fixed pool of workers.
type InProc struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	closed bool

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	deadMu sync.Mutex
	dead   []Message
}

type subscription struct {
	name    string
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	wg     sync.WaitGroup
}

func NewInProc(logger *slog.Logger, cfg Config) *InProc {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &InProc{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[Topic][]*subscription),
		idle:   idle,
	}
}

// Subscribe registers handler on topic with its own worker pool. workers <= 0
// uses the configured default.
func (b *InProc) Subscribe(topic Topic, name string, workers int, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if workers <= 0 {
		workers = b.cfg.Workers
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	sub := &subscription{name: name, handler: handler}
	sub.cond = sync.NewCond(&sub.mu)
	for i := 0; i < workers; i++ {
		sub.wg.Add(1)
		go b.work(topic, sub)
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return nil
}

func (b *InProc) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic == "" {
		return errors.New("message topic is required")
	}
	if msg.Delivery == 0 {
		msg.Delivery = 1
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs[msg.Topic] {
		b.enqueue(sub, msg)
	}
	return nil
}

func (b *InProc) enqueue(sub *subscription, msg Message) {
	b.addPending(1)
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		b.addPending(-1)
		return
	}
	sub.queue = append(sub.queue, msg)
	sub.mu.Unlock()
	sub.cond.Signal()
}

func (b *InProc) work(topic Topic, sub *subscription) {
	defer sub.wg.Done()
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 && sub.closed {
			sub.mu.Unlock()
			return
		}
		msg := sub.queue[0]
		sub.queue[0] = Message{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		b.handle(topic, sub, msg)
	}
}

func (b *InProc) handle(topic Topic, sub *subscription, msg Message) {
	err := b.invoke(sub, msg)
	if err == nil {
		b.addPending(-1)
		return
	}

	attrs := []any{
		"topic", string(topic),
		"subscriber", sub.name,
		"message_id", msg.ID,
		"run_id", msg.RunID,
		"step_id", msg.StepID,
		"attempt", msg.Attempt,
		"delivery", msg.Delivery,
		"error", err.Error(),
	}
	if msg.Delivery > b.cfg.MaxRedeliveries {
		b.logger.Error("bus message dropped after redeliveries", attrs...)
		b.deadMu.Lock()
		b.dead = append(b.dead, msg)
		b.deadMu.Unlock()
		b.addPending(-1)
		return
	}

	b.logger.Warn("bus handler failed; redelivering", attrs...)
	msg.Delivery++
	time.AfterFunc(b.cfg.RedeliveryDelay, func() {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			b.addPending(-1)
			return
		}
		sub.queue = append(sub.queue, msg)
		sub.mu.Unlock()
		sub.cond.Signal()
	})
}

func (b *InProc) invoke(sub *subscription, msg Message) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return sub.handler(context.Background(), msg)
}

func (b *InProc) addPending(delta int) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.pending == 0 && delta > 0 {
		b.idle = make(chan struct{})
	}
	b.pending += delta
	if b.pending == 0 {
		close(b.idle)
	}
}

// Drain blocks until every published message has been handled, dropped or
// dead-lettered.
func (b *InProc) Drain(ctx context.Context) error {
	for {
		b.pendingMu.Lock()
		idle := b.idle
		pending := b.pending
		b.pendingMu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// DeadLetters returns messages dropped after exhausting redeliveries.
func (b *InProc) DeadLetters() []Message {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	return append([]Message(nil), b.dead...)
}

// Close stops accepting messages, lets workers finish queued work and waits
// for them until ctx expires.
func (b *InProc) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, sub := range all {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
			sub.cond.Broadcast()
		}
		for _, sub := range all {
			sub.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
