package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/redraft/internal/observe"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums the data points of the named counter whose attributes
// include every pair in match.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if slices.ContainsFunc(match, func(kv attribute.KeyValue) bool {
					v, ok := dp.Attributes.Value(kv.Key)
					return !ok || v.Emit() != kv.Value.Emit()
				}) {
					continue
				}
				total += dp.Value
			}
		}
	}
	return total
}

func group(t *testing.T, names ...string) (*FallbackGroup[string], *sdkmetric.ManualReader) {
	t.Helper()
	m, reader := newTestMetrics(t)
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Kind:           "llm",
		Metrics:        m,
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg, reader
}

func echo(failing ...string) func(context.Context, string) (string, error) {
	return func(_ context.Context, v string) (string, error) {
		if slices.Contains(failing, v) {
			return "", errBackend
		}
		return "reply from " + v, nil
	}
}

func TestExecute_PrimaryFirst(t *testing.T) {
	t.Parallel()
	fg, reader := group(t, "openai", "anthropic")

	got, err := Execute(context.Background(), fg, echo())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "reply from openai" {
		t.Errorf("got %q, want reply from openai", got)
	}
	if n := counterValue(t, reader, "redraft.provider.requests", attribute.String("provider", "anthropic")); n != 0 {
		t.Errorf("fallback requests = %d, want 0", n)
	}
}

func TestExecute_FailsOver(t *testing.T) {
	t.Parallel()
	fg, reader := group(t, "openai", "anthropic", "ollama")

	got, err := Execute(context.Background(), fg, echo("openai", "anthropic"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "reply from ollama" {
		t.Errorf("got %q, want reply from ollama", got)
	}

	if n := counterValue(t, reader, "redraft.provider.errors", attribute.String("kind", "llm")); n != 2 {
		t.Errorf("provider errors = %d, want 2", n)
	}
	if n := counterValue(t, reader, "redraft.provider.requests",
		attribute.String("provider", "ollama"), attribute.String("status", "ok")); n != 1 {
		t.Errorf("ollama ok requests = %d, want 1", n)
	}
}

func TestExecute_AllFail(t *testing.T) {
	t.Parallel()
	fg, _ := group(t, "openai", "anthropic")

	_, err := Execute(context.Background(), fg, echo("openai", "anthropic"))
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("got %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errBackend) {
		t.Errorf("got %v, want it to wrap the last backend error", err)
	}
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	fg, reader := group(t, "openai", "anthropic")

	for range 2 {
		if _, err := Execute(context.Background(), fg, echo("openai")); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	var tried []string
	_, err := Execute(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		tried = append(tried, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(tried, []string{"anthropic"}) {
		t.Errorf("tried %v, want [anthropic]", tried)
	}
	if n := counterValue(t, reader, "redraft.provider.requests", attribute.String("provider", "openai")); n != 2 {
		t.Errorf("openai requests = %d, want 2 (skips are not requests)", n)
	}
}

func TestExecute_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	fg, _ := group(t, "openai", "anthropic")
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	_, err := Execute(ctx, fg, func(ctx context.Context, v string) (string, error) {
		calls++
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg, _ := group(t, "openai", "anthropic", "ollama")
	if got := fg.Names(); !slices.Equal(got, []string{"openai", "anthropic", "ollama"}) {
		t.Errorf("Names() = %v", got)
	}
	if got := fg.Primary(); got != "openai" {
		t.Errorf("Primary() = %q, want openai", got)
	}
}
