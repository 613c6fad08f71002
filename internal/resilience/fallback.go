package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/redraft/internal/observe"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for every entry's breaker; Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics, "llm" or "embeddings".
	Kind string

	// Metrics records per-entry requests. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries a primary and then each fallback in registration
// order. Entries whose breaker is open are skipped. Fallbacks must be added
// before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group holding only primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends v under name.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, entry[T]{name: name, value: v, breaker: NewCircuitBreaker(cb)})
}

// Names lists the entries in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Execute runs fn against the entries until one succeeds. It stops early when
// ctx is done. The returned error wraps [ErrAllFailed] and the last entry
// error.
func Execute[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var res R
		start := time.Now()
		err := e.breaker.Execute(func() error {
			var callErr error
			res, callErr = fn(ctx, e.value)
			return callErr
		})
		if errors.Is(err, ErrCircuitOpen) {
			observe.Logger(ctx).Debug("resilience: skipping provider, circuit open", "provider", e.name, "kind", fg.cfg.Kind)
			lastErr = fmt.Errorf("%s: %w", e.name, err)
			continue
		}
		fg.cfg.Metrics.RecordProviderRequest(ctx, e.name, fg.cfg.Kind, observe.Status(err), time.Since(start).Seconds())
		if err == nil {
			return res, nil
		}
		fg.cfg.Metrics.RecordProviderError(ctx, e.name, fg.cfg.Kind)
		lastErr = fmt.Errorf("%s: %w", e.name, err)
		if i < len(fg.entries)-1 {
			observe.Logger(ctx).Warn("resilience: provider failed, trying next",
				"provider", e.name, "kind", fg.cfg.Kind, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
