package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/redraft/internal/observe"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("events: bus closed")

// MemoryBus delivers envelopes to in-process handlers. Each delivery runs on
// its own goroutine and is retried with exponential backoff until it
// succeeds, fails permanently or exhausts the attempt budget.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	metrics     *observe.Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ Bus = (*MemoryBus)(nil)

// MemoryOption configures a [MemoryBus].
type MemoryOption func(*MemoryBus)

// WithMaxAttempts bounds how often one envelope is handed to a handler.
// Default: 5.
func WithMaxAttempts(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum redelivery delay.
// Default: 200ms doubling up to 10s.
func WithBackoff(base, ceiling time.Duration) MemoryOption {
	return func(b *MemoryBus) {
		if base > 0 {
			b.baseDelay = base
		}
		if ceiling >= b.baseDelay {
			b.maxDelay = ceiling
		}
	}
}

// WithMemoryMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMemoryMetrics(m *observe.Metrics) MemoryOption {
	return func(b *MemoryBus) { b.metrics = m }
}

// NewMemoryBus returns a ready bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		handlers:    make(map[string][]Handler),
		maxAttempts: 5,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    10 * time.Second,
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Subscribe registers h for topic. Handlers registered after an envelope
// was published do not see it.
func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish schedules env for delivery to every handler of its topic and
// returns immediately. Delivery runs detached from ctx cancellation but
// keeps its values, so trace IDs carry over.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if env.Topic == "" {
		return errors.New("events: topic must not be empty")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	b.metrics.RecordEventPublished(ctx, env.Topic)
	dctx := context.WithoutCancel(ctx)
	for _, h := range b.handlers[env.Topic] {
		b.wg.Add(1)
		go b.deliver(dctx, env, h)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, env Envelope, h Handler) {
	defer b.wg.Done()
	log := observe.Logger(ctx).With("topic", env.Topic, "event_id", env.ID, "key", env.Key)

	for attempt := 1; ; attempt++ {
		env.Attempt = attempt
		err := safeHandle(ctx, h, env)
		if err == nil {
			b.metrics.RecordEventDelivery(ctx, env.Topic, "ok")
			return
		}
		if IsPermanent(err) || attempt >= b.maxAttempts {
			b.metrics.RecordEventDelivery(ctx, env.Topic, "dead")
			log.Error("events: delivery abandoned", "attempt", attempt, "err", err)
			return
		}

		b.metrics.RecordEventDelivery(ctx, env.Topic, "retry")
		delay := backoff(b.baseDelay, b.maxDelay, attempt)
		log.Warn("events: delivery failed, retrying", "attempt", attempt, "retry_in", delay, "err", err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-b.stop:
			t.Stop()
			log.Warn("events: bus closed with delivery pending", "attempt", attempt)
			return
		}
	}
}

// Close rejects further publishes, cancels pending retries and waits for
// running handlers until ctx expires.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: close: %w", ctx.Err())
	}
}

// Wait blocks until every delivery scheduled so far has finished, including
// retries.
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

// safeHandle turns a handler panic into a permanent error.
func safeHandle(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: handler panic", "topic", env.Topic, "event_id", env.ID, "panic", r)
			err = Permanent(fmt.Errorf("events: handler panic: %v", r))
		}
	}()
	return h(ctx, env)
}
