package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func ok(context.Context) error { return nil }

func probe(t *testing.T, h http.HandlerFunc, req *http.Request) (int, report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := New([]Checker{PingCheck("postgres", pinger{err: errors.New("down")})})
	code, rep := probe(t, h.Healthz, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if code != http.StatusOK || rep.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, rep.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]string
	}{
		{"nothing to check", nil, http.StatusOK, map[string]string{}},
		{
			"all pass",
			[]Checker{{Name: "llm", Check: ok}, PingCheck("postgres", pinger{})},
			http.StatusOK,
			map[string]string{"llm": "ok", "postgres": "ok"},
		},
		{
			"database down",
			[]Checker{
				PingCheck("postgres", pinger{err: errors.New("connection refused")}),
				Configured("llm", true, "providers.llm is not configured"),
			},
			http.StatusServiceUnavailable,
			map[string]string{"postgres": "fail: connection refused", "llm": "ok"},
		},
		{
			"no llm",
			[]Checker{Configured("llm", false, "providers.llm is not configured")},
			http.StatusServiceUnavailable,
			map[string]string{"llm": "fail: providers.llm is not configured"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, rep := probe(t, New(tc.checkers).Readyz, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			if len(rep.Checks) != len(tc.want) {
				t.Errorf("checks = %v, want %v", rep.Checks, tc.want)
			}
			for name, want := range tc.want {
				if got := rep.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksOverlap(t *testing.T) {
	t.Parallel()

	// Each check waits until all three have started; sequential execution
	// would run into the check timeout instead.
	var started sync.WaitGroup
	started.Add(3)
	barrier := func(ctx context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New([]Checker{{"a", barrier}, {"b", barrier}, {"c", barrier}}, WithCheckTimeout(2*time.Second))

	if code, rep := probe(t, h.Readyz, httptest.NewRequest(http.MethodGet, "/readyz", nil)); code != http.StatusOK {
		t.Errorf("status = %d (%v), want 200", code, rep.Checks)
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()
	hang := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	h := New([]Checker{{Name: "postgres", Check: hang}}, WithCheckTimeout(20*time.Millisecond))

	code, rep := probe(t, h.Readyz, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if got, want := rep.Checks["postgres"], "fail: "+context.DeadlineExceeded.Error(); got != want {
		t.Errorf("postgres = %q, want %q", got, want)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()
	hang := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	if code, _ := probe(t, New([]Checker{{Name: "slow", Check: hang}}).Readyz, req); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New([]Checker{{Name: "llm", Check: ok}}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
