// Package agent implements the generation agent: a finite-step workflow that
// turns a context bundle into an improved document.
//
// The steps are
//
//	context_analysis -> pattern_matching -> draft_generation
//	    -> self_critique (when requested) -> refinement (when needed) -> done
//
// Every step returns a [StepResult] naming its outcome and successor
// instead of panicking or returning early. A step that sees an error from an
// earlier step skips its own work and forwards that error, so a run records
// at most one error and nothing runs after a failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/provider/llm"
	"github.com/MrWong99/redraft/pkg/types"
)

// Confidence values reported for the produced document.
const (
	ConfidenceDraftOnly = 0.6
	ConfidenceCritiqued = 0.9
	ConfidenceRefined   = 0.75
)

// StepResult is the tagged outcome of one step.
type StepResult struct {
	Status types.StepStatus
	Next   types.Step

	// Input and Output summarise the step for the session's step log.
	Input  string
	Output string

	// Err is set when Status is error.
	Err error

	// Skipped is set when the step did not run because an earlier step
	// failed. Skipped steps are not logged.
	Skipped bool
}

func ok(next types.Step, input, output string) StepResult {
	return StepResult{Status: types.StepOK, Next: next, Input: input, Output: output}
}

func failed(err error, input string) StepResult {
	return StepResult{Status: types.StepError, Next: types.StepDone, Input: input, Err: err}
}

// StepError is returned by [Agent.Run] when a step failed.
type StepError struct {
	Step types.Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("agent: step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Observer receives every executed step as soon as it finishes. Returning an
// error stops the run.
type Observer interface {
	OnStep(ctx context.Context, rec types.StepRecord) error
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(ctx context.Context, rec types.StepRecord) error

// OnStep calls f.
func (f ObserverFunc) OnStep(ctx context.Context, rec types.StepRecord) error { return f(ctx, rec) }

// Input is everything a run needs.
type Input struct {
	Bundle     *types.ContextBundle
	PromptHint string
	Options    types.GenerateOptions
}

// Output is the result of a run. Steps is filled even when the run fails.
type Output struct {
	Text       string
	WordCount  int
	Confidence float64
	Critique   string
	Metadata   types.ArtifactMetadata
	Steps      []types.StepRecord
}

// Agent runs the workflow. It holds no per-run state and is safe for
// concurrent use.
type Agent struct {
	llm         llm.Provider
	classifier  CritiqueClassifier
	matcher     *PatternMatcher
	callTimeout time.Duration
	maxTokens   int
	temperature float64
	now         func() time.Time
}

// Option configures an [Agent].
type Option func(*Agent)

// WithClassifier replaces the default [KeywordClassifier].
func WithClassifier(c CritiqueClassifier) Option { return func(a *Agent) { a.classifier = c } }

// WithPatternMatcher replaces the default [PatternMatcher].
func WithPatternMatcher(m *PatternMatcher) Option { return func(a *Agent) { a.matcher = m } }

// WithCallTimeout bounds each model call. Defaults to 60 seconds.
func WithCallTimeout(d time.Duration) Option { return func(a *Agent) { a.callTimeout = d } }

// WithMaxTokens sets the completion budget used when a request does not set
// one. Defaults to 2048.
func WithMaxTokens(n int) Option { return func(a *Agent) { a.maxTokens = n } }

// WithTemperature sets the sampling temperature. Defaults to 0.2.
func WithTemperature(t float64) Option { return func(a *Agent) { a.temperature = t } }

// New returns an Agent calling p.
func New(p llm.Provider, opts ...Option) (*Agent, error) {
	if p == nil {
		return nil, errors.New("agent: llm provider must not be nil")
	}
	a := &Agent{
		llm:         p,
		callTimeout: 60 * time.Second,
		maxTokens:   2048,
		temperature: 0.2,
		now:         time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.classifier == nil {
		a.classifier = NewKeywordClassifier()
	}
	if a.matcher == nil {
		a.matcher = NewPatternMatcher()
	}
	return a, nil
}

// runState is the working data threaded through the steps of one run.
type runState struct {
	input  Input
	bundle *types.ContextBundle

	summary  string
	matches  []PatternMatch
	text     string
	critique  string
	critiqued bool
	verdict   Verdict
	refined   bool

	llmCalls int
	err      error
}

type stepFunc func(ctx context.Context, st *runState) StepResult

func (a *Agent) step(s types.Step) stepFunc {
	switch s {
	case types.StepContextAnalysis:
		return a.contextAnalysis
	case types.StepPatternMatching:
		return a.patternMatching
	case types.StepDraftGeneration:
		return a.draftGeneration
	case types.StepSelfCritique:
		return a.selfCritique
	case types.StepRefinement:
		return a.refinement
	}
	return nil
}

// guard runs fn unless an earlier step failed, in which case the error is
// forwarded unchanged and fn is not called.
func guard(fn stepFunc) stepFunc {
	return func(ctx context.Context, st *runState) StepResult {
		if st.err != nil {
			return StepResult{Status: types.StepError, Next: types.StepDone, Err: st.err, Skipped: true}
		}
		return fn(ctx, st)
	}
}

// Run executes the workflow to completion. obs may be nil. On failure the
// returned error is a [*StepError] and the Output still carries the steps
// that ran.
func (a *Agent) Run(ctx context.Context, in Input, obs Observer) (*Output, error) {
	start := a.now()
	st := &runState{input: in, bundle: in.Bundle}
	out := &Output{}
	log := observe.Logger(ctx)

	var failedStep types.Step
	for cur := types.StepContextAnalysis; cur != types.StepDone; {
		fn := a.step(cur)
		if fn == nil {
			st.err = fmt.Errorf("unknown step %q", cur)
			failedStep = cur
			break
		}

		began := a.now()
		res := guard(fn)(ctx, st)
		if res.Skipped {
			cur = res.Next
			continue
		}

		rec := types.StepRecord{
			Step:          cur,
			Status:        res.Status,
			Next:          res.Next,
			InputSummary:  res.Input,
			OutputSummary: res.Output,
			StartedAt:     began.UTC(),
			Duration:      a.now().Sub(began),
		}
		if res.Status == types.StepError {
			st.err = res.Err
			failedStep = cur
			rec.Error = res.Err.Error()
			rec.Next = types.StepDone
		}
		out.Steps = append(out.Steps, rec)
		log.Debug("agent: step finished", "step", cur, "status", rec.Status, "next", rec.Next, "duration", rec.Duration)

		if obs != nil {
			if err := obs.OnStep(ctx, rec); err != nil {
				if st.err == nil {
					st.err = fmt.Errorf("record step: %w", err)
					failedStep = cur
				}
				break
			}
		}
		cur = rec.Next
	}

	out.Metadata = types.ArtifactMetadata{
		Critiqued: st.critiqued,
		Refined:   st.refined,
		LLMCalls:  st.llmCalls,
		Duration:  a.now().Sub(start),
	}
	if st.bundle != nil {
		out.Metadata.PatternsUsed = len(st.bundle.Patterns)
		out.Metadata.ExamplesUsed = len(st.bundle.Examples)
	}
	if st.err != nil {
		return out, &StepError{Step: failedStep, Err: st.err}
	}

	out.Text = st.text
	out.WordCount = wordCount(st.text)
	out.Critique = st.critique
	switch {
	case out.Metadata.Refined:
		out.Confidence = ConfidenceRefined
	case out.Metadata.Critiqued:
		out.Confidence = ConfidenceCritiqued
	default:
		out.Confidence = ConfidenceDraftOnly
	}
	return out, nil
}

// generate performs one bounded model call.
func (a *Agent) generate(ctx context.Context, st *runState, system, user string) (string, error) {
	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}
	st.llmCalls++
	return llm.Generate(ctx, a.llm, system, user, a.maxTokensFor(st), a.temperature)
}

func (a *Agent) maxTokensFor(st *runState) int {
	n := st.input.Options.MaxOutputTokens
	if n <= 0 {
		n = a.maxTokens
	}
	if limit := a.llm.Capabilities().MaxOutputTokens; limit > 0 && n > limit {
		n = limit
	}
	return n
}
