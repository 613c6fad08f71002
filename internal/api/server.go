// Package api exposes generation and evaluation over HTTP.
//
// Routes:
//
//	POST /v1/generate             start a generation, 202 {session_id}
//	GET  /v1/sessions/{id}        session with status and step log
//	GET  /v1/artifacts/{id}       generated artifact
//	POST /v1/evaluate/trigger     manual evaluation, 201 {evaluation_id}
//	GET  /v1/evaluations          list, filtered by author_id, paged
//	GET  /v1/evaluations/{id}     single evaluation record
//
// Errors are rendered as {"error": "..."} with a status derived from the
// [types] error taxonomy.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/redraft/internal/health"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

// Generator starts background generations.
type Generator interface {
	Start(ctx context.Context, req types.GenerateRequest) (string, error)
}

// Evaluator runs one evaluation synchronously. On a duplicate it returns
// the existing record together with an error matching
// [types.ErrDuplicateEvaluation].
type Evaluator interface {
	Evaluate(ctx context.Context, tr types.EvaluationTrigger) (*types.EvaluationRecord, error)
}

// Reader is the read side of the store.
type Reader interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
	GetArtifact(ctx context.Context, id string) (*types.Artifact, error)
	GetEvaluation(ctx context.Context, id string) (*types.EvaluationRecord, error)
	ListEvaluations(ctx context.Context, f store.EvaluationFilter) ([]types.EvaluationRecord, error)
}

// Server holds the HTTP handlers.
type Server struct {
	gen     Generator
	eval    Evaluator
	reader  Reader
	health  *health.Handler
	metrics http.Handler
	obs     *observe.Metrics
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.obs = m }
}

// New creates a Server. All three collaborators are required.
func New(gen Generator, eval Evaluator, reader Reader, opts ...Option) (*Server, error) {
	var errs []error
	if gen == nil {
		errs = append(errs, errors.New("generator is required"))
	}
	if eval == nil {
		errs = append(errs, errors.New("evaluator is required"))
	}
	if reader == nil {
		errs = append(errs, errors.New("reader is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, errors.Join(errors.New("api: new server"), err)
	}

	s := &Server{gen: gen, eval: eval, reader: reader}
	for _, o := range opts {
		o(s)
	}
	if s.obs == nil {
		s.obs = observe.DefaultMetrics()
	}
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/artifacts/{id}", s.handleGetArtifact)
	mux.HandleFunc("POST /v1/evaluate/trigger", s.handleTrigger)
	mux.HandleFunc("GET /v1/evaluations", s.handleListEvaluations)
	mux.HandleFunc("GET /v1/evaluations/{id}", s.handleGetEvaluation)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return observe.Middleware(s.obs)(mux)
}
