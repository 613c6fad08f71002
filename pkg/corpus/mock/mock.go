// Package mock provides a configurable test double for the corpus
// interfaces.
//
// Maps hold the data served by each lookup; *Err fields inject failures;
// Delay makes every call block until it elapses or the context ends, which
// lets tests exercise timeouts. Every call is recorded.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/redraft/pkg/corpus"
	"github.com/MrWong99/redraft/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Corpus is a test double for [corpus.Corpus] and [corpus.TierWriter].
type Corpus struct {
	mu sync.Mutex

	Authors    map[string]types.Author
	Documents  map[string]types.Document
	References map[string]types.Document // keyed by source document ID
	Patterns   map[string][]types.CorrectionPattern
	Examples   map[string][]types.HistoricalExample

	GetAuthorErr    error
	GetDocumentErr  error
	GetReferenceErr error
	GetPatternsErr  error
	GetExamplesErr  error
	SetTierErr      error

	// Delay is applied to every lookup.
	Delay time.Duration

	calls []Call
}

var (
	_ corpus.Corpus     = (*Corpus)(nil)
	_ corpus.TierWriter = (*Corpus)(nil)
)

func (c *Corpus) enter(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
	delay := c.Delay
	c.mu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAuthor implements corpus.AuthorDirectory.
func (c *Corpus) GetAuthor(ctx context.Context, id string) (*types.Author, error) {
	if err := c.enter(ctx, "GetAuthor", id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetAuthorErr != nil {
		return nil, c.GetAuthorErr
	}
	a, ok := c.Authors[id]
	if !ok {
		return nil, fmt.Errorf("mock corpus: author %q: %w", id, types.ErrNotFound)
	}
	return &a, nil
}

// GetDocument implements corpus.DocumentSource.
func (c *Corpus) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	if err := c.enter(ctx, "GetDocument", id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetDocumentErr != nil {
		return nil, c.GetDocumentErr
	}
	d, ok := c.Documents[id]
	if !ok {
		return nil, fmt.Errorf("mock corpus: document %q: %w", id, types.ErrNotFound)
	}
	return &d, nil
}

// GetReference implements corpus.DocumentSource.
func (c *Corpus) GetReference(ctx context.Context, sourceDocumentID string) (*types.Document, error) {
	if err := c.enter(ctx, "GetReference", sourceDocumentID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetReferenceErr != nil {
		return nil, c.GetReferenceErr
	}
	d, ok := c.References[sourceDocumentID]
	if !ok {
		return nil, fmt.Errorf("mock corpus: reference for %q: %w", sourceDocumentID, types.ErrNotFound)
	}
	return &d, nil
}

// GetPatterns implements corpus.PatternSource.
func (c *Corpus) GetPatterns(ctx context.Context, authorID string) ([]types.CorrectionPattern, error) {
	if err := c.enter(ctx, "GetPatterns", authorID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetPatternsErr != nil {
		return nil, c.GetPatternsErr
	}
	return append([]types.CorrectionPattern(nil), c.Patterns[authorID]...), nil
}

// GetSimilarExamples implements corpus.PatternSource.
func (c *Corpus) GetSimilarExamples(ctx context.Context, authorID, sourceDocumentID string, limit int) ([]types.HistoricalExample, error) {
	if err := c.enter(ctx, "GetSimilarExamples", authorID, sourceDocumentID, limit); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetExamplesErr != nil {
		return nil, c.GetExamplesErr
	}
	var out []types.HistoricalExample
	for _, ex := range c.Examples[authorID] {
		if ex.DocumentID == sourceDocumentID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, ex)
	}
	return out, nil
}

// SetTier implements corpus.TierWriter.
func (c *Corpus) SetTier(ctx context.Context, authorID string, tier types.Tier) error {
	if err := c.enter(ctx, "SetTier", authorID, tier); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetTierErr != nil {
		return c.SetTierErr
	}
	a, ok := c.Authors[authorID]
	if !ok {
		return fmt.Errorf("mock corpus: author %q: %w", authorID, types.ErrNotFound)
	}
	a.CurrentTier = tier
	c.Authors[authorID] = a
	return nil
}

// Calls returns a snapshot of recorded calls.
func (c *Corpus) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how often method was invoked.
func (c *Corpus) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}
