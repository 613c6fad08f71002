// Package generation owns the lifecycle of generation sessions.
//
// An [Orchestrator] creates a session, assembles the context bundle, runs
// the generation agent while appending every step to the session's log,
// persists the resulting artifact and finally publishes
// [events.ArtifactGenerated]. A failed run leaves a failed session that
// names the failing step; no artifact and no event are produced for it.
//
// Runs are either synchronous ([Orchestrator.Generate]) or detached
// ([Orchestrator.Start]) and bounded by a concurrency limit.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/redraft/internal/agent"
	"github.com/MrWong99/redraft/internal/events"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

// ErrShuttingDown is returned by Start and Generate after Shutdown began.
var ErrShuttingDown = errors.New("generation: orchestrator is shutting down")

// persistTimeout bounds the store writes that record a failure after the run
// context was cancelled.
const persistTimeout = 5 * time.Second

// ContextAssembler builds the context bundle of a request.
// *draftctx.Aggregator implements it.
type ContextAssembler interface {
	Assemble(ctx context.Context, authorID, sourceDocumentID string) (*types.ContextBundle, error)
}

// Runner executes the generation workflow. *agent.Agent implements it.
type Runner interface {
	Run(ctx context.Context, in agent.Input, obs agent.Observer) (*agent.Output, error)
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	sessions  store.SessionStore
	assembler ContextAssembler
	runner    Runner
	publisher events.Publisher

	sem     *semaphore.Weighted
	timeout time.Duration
	metrics *observe.Metrics
	now     func() time.Time
	newID   func() string

	// base is the parent of every detached run; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMaxConcurrent limits simultaneously executing runs. Default: 8.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRunTimeout bounds a whole run from aggregation to event publication.
// Zero disables the bound. Default: 5m.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides the session and artifact ID source.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New returns an Orchestrator. All collaborators are required.
func New(sessions store.SessionStore, assembler ContextAssembler, runner Runner, publisher events.Publisher, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if sessions == nil {
		errs = append(errs, errors.New("session store is nil"))
	}
	if assembler == nil {
		errs = append(errs, errors.New("context assembler is nil"))
	}
	if runner == nil {
		errs = append(errs, errors.New("runner is nil"))
	}
	if publisher == nil {
		errs = append(errs, errors.New("event publisher is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("generation: new orchestrator: %w", err)
	}

	o := &Orchestrator{
		sessions:  sessions,
		assembler: assembler,
		runner:    runner,
		publisher: publisher,
		sem:       semaphore.NewWeighted(8),
		timeout:   5 * time.Minute,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.base, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Validate checks the identifiers of req.
func Validate(req types.GenerateRequest) error {
	var errs []error
	if strings.TrimSpace(req.AuthorID) == "" {
		errs = append(errs, errors.New("author_id is required"))
	}
	if strings.TrimSpace(req.SourceDocumentID) == "" {
		errs = append(errs, errors.New("source_document_id is required"))
	}
	if req.Options.MaxOutputTokens < 0 {
		errs = append(errs, errors.New("max_output_tokens must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidRequest, err)
	}
	return nil
}

// Generate runs a generation to completion and returns the artifact.
//
// A missing source document yields an error matching
// [types.ErrContextIncomplete], a failed author lookup one matching
// [types.ErrExternalFetch]; any later failure is a
// [*types.GenerationFailedError]. The session is marked failed in every case.
func (o *Orchestrator) Generate(ctx context.Context, req types.GenerateRequest) (*types.Artifact, error) {
	sess, err := o.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(ctx, sess.ID, "", fmt.Errorf("waiting for a generation slot: %w", err))
		return nil, &types.GenerationFailedError{SessionID: sess.ID, Err: err}
	}
	defer o.sem.Release(1)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return o.run(ctx, sess)
}

// Start creates the session and returns its ID at once; the run continues in
// the background. Its outcome is observable through the session.
func (o *Orchestrator) Start(ctx context.Context, req types.GenerateRequest) (string, error) {
	// The slot is reserved under the lock so Shutdown never waits on a
	// WaitGroup that is still growing.
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return "", ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.RUnlock()

	sess, err := o.create(ctx, req)
	if err != nil {
		o.wg.Done()
		return "", err
	}

	// Values such as the trace context carry over; cancellation does not.
	parent := trace.ContextWithSpanContext(o.base, trace.SpanContextFromContext(ctx))

	go func() {
		defer o.wg.Done()
		runCtx := parent
		if err := o.sem.Acquire(runCtx, 1); err != nil {
			o.fail(runCtx, sess.ID, "", fmt.Errorf("waiting for a generation slot: %w", err))
			return
		}
		defer o.sem.Release(1)

		if o.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, o.timeout)
			defer cancel()
		}
		if _, err := o.run(runCtx, sess); err != nil {
			observe.Logger(runCtx).Warn("generation: background run failed",
				"session_id", sess.ID, "author_id", sess.AuthorID, "err", err)
		}
	}()
	return sess.ID, nil
}

// Wait blocks until every run started with Start has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown rejects new runs and waits for running ones. When ctx expires
// first, remaining runs are cancelled; their sessions end failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return fmt.Errorf("generation: shutdown: %w", ctx.Err())
	}
}

// create validates req and persists a pending session.
func (o *Orchestrator) create(ctx context.Context, req types.GenerateRequest) (*types.Session, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}
	if err := Validate(req); err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}

	sess := &types.Session{
		ID:               o.newID(),
		AuthorID:         req.AuthorID,
		SourceDocumentID: req.SourceDocumentID,
		PromptHint:       req.PromptHint,
		Options:          req.Options,
		Status:           types.SessionPending,
	}
	if err := o.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("generation: create session: %w", err)
	}
	observe.Logger(ctx).Info("generation: session created",
		"session_id", sess.ID, "author_id", sess.AuthorID, "source_document_id", sess.SourceDocumentID)
	return sess, nil
}

// run drives one pending session to a terminal status.
func (o *Orchestrator) run(ctx context.Context, sess *types.Session) (art *types.Artifact, err error) {
	ctx, span := observe.StartSpan(ctx, "generation.run", trace.WithAttributes(
		attribute.String("session_id", sess.ID),
		attribute.String("author_id", sess.AuthorID),
	))
	defer span.End()

	start := o.now()
	o.metrics.ActiveGenerations.Add(ctx, 1)
	defer func() {
		o.metrics.ActiveGenerations.Add(ctx, -1)
		o.metrics.RecordGeneration(ctx, o.now().Sub(start).Seconds(), observe.Status(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	log := observe.Logger(ctx).With("session_id", sess.ID, "author_id", sess.AuthorID)

	// Without a bundle the session never leaves pending for in_progress.
	bundle, err := o.assembler.Assemble(ctx, sess.AuthorID, sess.SourceDocumentID)
	if err != nil {
		o.fail(ctx, sess.ID, types.StepContextAnalysis, err)
		return nil, fmt.Errorf("generation: session %s: %w", sess.ID, err)
	}
	if len(bundle.Degraded) > 0 {
		log.Warn("generation: running with degraded context", "missing", bundle.Degraded)
	}

	if err := o.sessions.StartSession(ctx, sess.ID, bundle); err != nil {
		o.fail(ctx, sess.ID, "", err)
		return nil, &types.GenerationFailedError{SessionID: sess.ID, Err: fmt.Errorf("start session: %w", err)}
	}
	log.Info("generation: session in progress", "patterns", len(bundle.Patterns), "examples", len(bundle.Examples))

	obs := agent.ObserverFunc(func(ctx context.Context, rec types.StepRecord) error {
		o.metrics.RecordStep(ctx, string(rec.Step), rec.Duration.Seconds(), string(rec.Status))
		return o.sessions.AppendStep(ctx, sess.ID, rec)
	})
	out, err := o.runner.Run(ctx, agent.Input{
		Bundle:     bundle,
		PromptHint: sess.PromptHint,
		Options:    sess.Options,
	}, obs)
	if err != nil {
		var step types.Step
		var se *agent.StepError
		if errors.As(err, &se) {
			step = se.Step
			err = se.Err
		}
		o.fail(ctx, sess.ID, step, err)
		return nil, &types.GenerationFailedError{SessionID: sess.ID, Step: step, Err: err}
	}

	art = &types.Artifact{
		ID:               o.newID(),
		SessionID:        sess.ID,
		AuthorID:         sess.AuthorID,
		SourceDocumentID: sess.SourceDocumentID,
		Text:             out.Text,
		WordCount:        out.WordCount,
		Confidence:       out.Confidence,
		Metadata:         out.Metadata,
		CreatedAt:        o.now().UTC(),
	}
	if err := o.sessions.CompleteSession(ctx, art); err != nil {
		o.fail(ctx, sess.ID, "", err)
		return nil, &types.GenerationFailedError{SessionID: sess.ID, Err: fmt.Errorf("persist artifact: %w", err)}
	}
	log.Info("generation: session completed", "artifact_id", art.ID,
		"confidence", art.Confidence, "llm_calls", art.Metadata.LLMCalls, "duration", o.now().Sub(start))

	// The artifact is committed; losing the event only delays evaluation,
	// which can still be triggered manually.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := events.Publish(pubCtx, o.publisher, events.TopicArtifactGenerated, art.ID, events.ArtifactGenerated{
		AuthorID:         art.AuthorID,
		SourceDocumentID: art.SourceDocumentID,
		ArtifactID:       art.ID,
		SessionID:        art.SessionID,
	}); err != nil {
		log.Error("generation: publish artifact event", "artifact_id", art.ID, "err", err)
	}
	return art, nil
}

// fail marks the session failed. It runs even when ctx is already
// cancelled so that an abandoned run does not stay in progress.
func (o *Orchestrator) fail(ctx context.Context, sessionID string, step types.Step, cause error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	log := observe.Logger(ctx).With("session_id", sessionID, "step", step)
	log.Warn("generation: session failed", "err", cause)
	if err := o.sessions.FailSession(pctx, sessionID, step, cause.Error()); err != nil {
		log.Error("generation: mark session failed", "err", err)
	}
}
