// Package store defines persistence for the records the pipeline owns:
// generation sessions with their step logs, generated artifacts and
// evaluation records.
//
// Two implementations exist: [postgres] for production and [memstore] for
// local runs and tests. Both enforce the same rules:
//
//   - a session in a terminal status rejects every further mutation with
//     [types.ErrSessionTerminal];
//   - an artifact is written together with the completion of its session,
//     never on its own;
//   - at most one evaluation exists per artifact; a second insert fails
//     with [types.ErrDuplicateEvaluation].
//
// Lookups of a missing record return an error matching [types.ErrNotFound].
package store

import (
	"context"

	"github.com/MrWong99/redraft/pkg/types"
)

// SessionStore persists generation sessions.
type SessionStore interface {
	// CreateSession inserts s in status pending. CreatedAt and UpdatedAt are
	// filled in by the store.
	CreateSession(ctx context.Context, s *types.Session) error

	// StartSession moves a pending session to in_progress and records the
	// context bundle it runs with.
	StartSession(ctx context.Context, id string, bundle *types.ContextBundle) error

	// AppendStep adds rec to the end of the session's step log.
	AppendStep(ctx context.Context, id string, rec types.StepRecord) error

	// CompleteSession atomically stores a and marks its session completed.
	CompleteSession(ctx context.Context, a *types.Artifact) error

	// FailSession marks the session failed with the failing step and error.
	FailSession(ctx context.Context, id string, step types.Step, errMsg string) error

	GetSession(ctx context.Context, id string) (*types.Session, error)
}

// ArtifactStore reads generated artifacts.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, id string) (*types.Artifact, error)
}

// EvaluationFilter selects a page of evaluation records.
type EvaluationFilter struct {
	// AuthorID restricts results to one author. Empty means all authors.
	AuthorID string
	Limit    int
	Offset   int
}

// EvaluationStore persists evaluation records.
type EvaluationStore interface {
	// CreateEvaluation inserts r. A record for the same artifact yields
	// [types.ErrDuplicateEvaluation].
	CreateEvaluation(ctx context.Context, r *types.EvaluationRecord) error

	GetEvaluation(ctx context.Context, id string) (*types.EvaluationRecord, error)
	GetEvaluationByArtifact(ctx context.Context, artifactID string) (*types.EvaluationRecord, error)

	// ListEvaluations returns records newest first.
	ListEvaluations(ctx context.Context, f EvaluationFilter) ([]types.EvaluationRecord, error)

	// RecentQualityScores returns the quality scores of the author's n most
	// recent evaluations in chronological order (oldest first).
	RecentQualityScores(ctx context.Context, authorID string, n int) ([]float64, error)

	// CountEvaluations returns how many evaluations exist for the author.
	CountEvaluations(ctx context.Context, authorID string) (int, error)
}

// Store bundles every persistence concern.
type Store interface {
	SessionStore
	ArtifactStore
	EvaluationStore
}
