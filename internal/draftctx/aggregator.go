// Package draftctx assembles the context bundle every generation run starts
// from.
//
// Four inputs are fetched concurrently:
//
//  1. The author profile (required).
//  2. The source draft (required; without it there is nothing to improve).
//  3. The author's correction patterns, ranked by frequency (optional).
//  4. Similar historical draft/final pairs of the same author (optional).
//
// A missing source yields a [types.ContextIncompleteError]. A failing author
// lookup yields a [types.ExternalFetchError]. Optional inputs degrade to an
// empty list; the bundle records which ones in Degraded. Use [FormatSummary]
// to render a bundle for prompt construction.
package draftctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/pkg/corpus"
	"github.com/MrWong99/redraft/pkg/provider/llm"
	"github.com/MrWong99/redraft/pkg/types"
)

// Names recorded in [types.ContextBundle.Degraded].
const (
	DegradedPatterns = "patterns"
	DegradedExamples = "examples"
)

// Aggregator builds [types.ContextBundle] values from the corpus
// collaborators. It holds no mutable state and is safe for concurrent use.
type Aggregator struct {
	authors  corpus.AuthorDirectory
	docs     corpus.DocumentSource
	patterns corpus.PatternSource

	maxPatterns   int
	maxExamples   int
	fetchTimeout  time.Duration
	exampleTokens int
	now           func() time.Time
}

// Option is a functional option for [New].
type Option func(*Aggregator)

// WithMaxPatterns caps the number of correction patterns kept, most frequent
// first. Defaults to 25. Zero or less keeps all.
func WithMaxPatterns(n int) Option {
	return func(a *Aggregator) { a.maxPatterns = n }
}

// WithMaxExamples sets how many historical examples are requested.
// Defaults to 3.
func WithMaxExamples(n int) Option {
	return func(a *Aggregator) { a.maxExamples = n }
}

// WithFetchTimeout bounds every collaborator call. Defaults to 10 seconds.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

// WithExampleTokenBudget truncates each side of a historical example to at
// most n tokens. Defaults to 400. Zero or less disables truncation.
func WithExampleTokenBudget(n int) Option {
	return func(a *Aggregator) { a.exampleTokens = n }
}

// New returns an Aggregator reading from c.
func New(c corpus.Corpus, opts ...Option) *Aggregator {
	a := &Aggregator{
		authors:       c,
		docs:          c,
		patterns:      c,
		maxPatterns:   25,
		maxExamples:   3,
		fetchTimeout:  10 * time.Second,
		exampleTokens: 400,
		now:           time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble fetches everything known about authorID and sourceDocumentID.
//
// The required lookups run in one errgroup so a fatal failure cancels the
// rest; the first fatal error is returned. Cancellation of ctx aborts all
// lookups.
func (a *Aggregator) Assemble(ctx context.Context, authorID, sourceDocumentID string) (*types.ContextBundle, error) {
	if a.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
	}
	log := observe.Logger(ctx).With("author_id", authorID, "source_document_id", sourceDocumentID)

	var (
		author   *types.Author
		source   *types.Document
		patterns []types.CorrectionPattern
		examples []types.HistoricalExample

		mu       sync.Mutex
		degraded []string
	)
	degrade := func(what string, err error) {
		log.Warn("context: optional input unavailable, continuing without it", "input", what, "err", err)
		mu.Lock()
		degraded = append(degraded, what)
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	// ── source document ──────────────────────────────────────────────────────
	eg.Go(func() error {
		doc, err := a.docs.GetDocument(egCtx, sourceDocumentID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			return &types.ContextIncompleteError{DocumentID: sourceDocumentID, Err: err}
		case err != nil:
			return &types.ExternalFetchError{Resource: "document", ID: sourceDocumentID, Err: err}
		case strings.TrimSpace(doc.Text) == "":
			return &types.ContextIncompleteError{DocumentID: sourceDocumentID, Err: errors.New("document has no text")}
		}
		source = doc
		return nil
	})

	// ── author profile ───────────────────────────────────────────────────────
	eg.Go(func() error {
		au, err := a.authors.GetAuthor(egCtx, authorID)
		if err != nil {
			return &types.ExternalFetchError{Resource: "author", ID: authorID, Err: err}
		}
		author = au
		return nil
	})

	// ── correction patterns ──────────────────────────────────────────────────
	eg.Go(func() error {
		ps, err := a.patterns.GetPatterns(egCtx, authorID)
		if err != nil {
			if egCtx.Err() == nil {
				degrade(DegradedPatterns, err)
			}
			return nil
		}
		if a.maxPatterns > 0 && len(ps) > a.maxPatterns {
			ps = ps[:a.maxPatterns]
		}
		patterns = ps
		return nil
	})

	// ── historical examples ──────────────────────────────────────────────────
	eg.Go(func() error {
		exs, err := a.patterns.GetSimilarExamples(egCtx, authorID, sourceDocumentID, a.maxExamples)
		if err != nil {
			if egCtx.Err() == nil {
				degrade(DegradedExamples, err)
			}
			return nil
		}
		examples = a.trimExamples(exs)
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if patterns == nil {
		patterns = []types.CorrectionPattern{}
	}
	if examples == nil {
		examples = []types.HistoricalExample{}
	}
	bundle := &types.ContextBundle{
		Author:      *author,
		Source:      *source,
		Patterns:    patterns,
		Examples:    examples,
		Degraded:    degraded,
		AssembledAt: a.now().UTC(),
	}
	if bundle.Source.WordCount == 0 {
		bundle.Source.WordCount = len(strings.Fields(bundle.Source.Text))
	}
	log.Debug("context: assembled",
		"patterns", len(patterns),
		"examples", len(examples),
		"degraded", len(degraded),
	)
	return bundle, nil
}

// trimExamples enforces the example limit and token budget.
func (a *Aggregator) trimExamples(exs []types.HistoricalExample) []types.HistoricalExample {
	if a.maxExamples > 0 && len(exs) > a.maxExamples {
		exs = exs[:a.maxExamples]
	}
	out := make([]types.HistoricalExample, len(exs))
	for i, ex := range exs {
		if a.exampleTokens > 0 {
			ex.DraftText = llm.TruncateToTokens(ex.DraftText, a.exampleTokens)
			ex.FinalText = llm.TruncateToTokens(ex.FinalText, a.exampleTokens)
		}
		out[i] = ex
	}
	return out
}

// Validate reports whether b can drive a generation run.
func Validate(b *types.ContextBundle) error {
	if b == nil {
		return &types.ContextIncompleteError{Err: errors.New("no context bundle")}
	}
	if strings.TrimSpace(b.Source.Text) == "" {
		return &types.ContextIncompleteError{DocumentID: b.Source.ID, Err: errors.New("source document missing")}
	}
	if b.Author.ID == "" {
		return fmt.Errorf("context: bundle has no author: %w", types.ErrContextIncomplete)
	}
	return nil
}
