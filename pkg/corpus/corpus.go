// Package corpus defines the external collaborators the pipeline reads
// from: the author directory, the document source and the correction
// pattern index.
//
// Their storage is owned elsewhere; this package only states the contracts
// and ships three implementations: [postgres] for a shared database with
// pgvector, [memstore] for local runs and demos, and [mock] for tests.
//
// Lookups of a missing entity return an error matching [types.ErrNotFound].
package corpus

import (
	"context"

	"github.com/MrWong99/redraft/pkg/types"
)

// AuthorDirectory resolves authors.
type AuthorDirectory interface {
	GetAuthor(ctx context.Context, id string) (*types.Author, error)
}

// TierWriter is implemented by author directories that accept tier
// reassignments from the evaluation loop.
type TierWriter interface {
	SetTier(ctx context.Context, authorID string, tier types.Tier) error
}

// DocumentSource resolves drafts and their human-finalised references.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (*types.Document, error)

	// GetReference returns the final version of the draft sourceDocumentID.
	GetReference(ctx context.Context, sourceDocumentID string) (*types.Document, error)
}

// PatternSource serves an author's learned corrections.
type PatternSource interface {
	// GetPatterns returns the author's correction patterns ordered by
	// descending frequency.
	GetPatterns(ctx context.Context, authorID string) ([]types.CorrectionPattern, error)

	// GetSimilarExamples returns up to limit past draft/final pairs of the
	// author, most similar to sourceDocumentID first. The source document
	// itself is never returned.
	GetSimilarExamples(ctx context.Context, authorID, sourceDocumentID string, limit int) ([]types.HistoricalExample, error)
}

// Corpus bundles all read-side collaborators.
type Corpus interface {
	AuthorDirectory
	DocumentSource
	PatternSource
}
