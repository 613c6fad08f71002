package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

const evaluationColumns = `
	id, author_id, source_document_id, reference_document_id, artifact_id,
	reference_text, candidate_text, reference_word_count, candidate_word_count,
	sentence_edit_rate, word_edit_rate, semantic_similarity, quality_score, improvement_score,
	tier_at_evaluation, recommended_tier, bucket_changed, detailed_metrics, created_at`

// CreateEvaluation implements store.EvaluationStore.
func (s *Store) CreateEvaluation(ctx context.Context, r *types.EvaluationRecord) error {
	detail, err := json.Marshal(r.DetailedMetrics)
	if err != nil {
		return fmt.Errorf("store postgres: marshal detailed metrics: %w", err)
	}
	q := `INSERT INTO evaluation_records (` + evaluationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18, COALESCE($19, now()))
		RETURNING created_at`

	var created any
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt
	}
	err = s.db.QueryRow(ctx, q,
		r.ID, r.AuthorID, r.SourceDocumentID, r.ReferenceDocumentID, r.ArtifactID,
		r.ReferenceText, r.CandidateText, r.ReferenceWordCount, r.CandidateWordCount,
		r.SentenceEditRate, r.WordEditRate, r.SemanticSimilarity, r.QualityScore, r.ImprovementScore,
		string(r.TierAtEvaluation), string(r.RecommendedTier), r.BucketChanged, detail, created,
	).Scan(&r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, artifactUniqueConstraint) {
			return fmt.Errorf("store postgres: artifact %q: %w", r.ArtifactID, types.ErrDuplicateEvaluation)
		}
		return fmt.Errorf("store postgres: create evaluation: %w", err)
	}
	return nil
}

func scanEvaluation(row pgx.Row) (*types.EvaluationRecord, error) {
	var (
		r             types.EvaluationRecord
		tierAt, recom string
		detail        []byte
	)
	err := row.Scan(
		&r.ID, &r.AuthorID, &r.SourceDocumentID, &r.ReferenceDocumentID, &r.ArtifactID,
		&r.ReferenceText, &r.CandidateText, &r.ReferenceWordCount, &r.CandidateWordCount,
		&r.SentenceEditRate, &r.WordEditRate, &r.SemanticSimilarity, &r.QualityScore, &r.ImprovementScore,
		&tierAt, &recom, &r.BucketChanged, &detail, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TierAtEvaluation = types.Tier(tierAt)
	r.RecommendedTier = types.Tier(recom)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &r.DetailedMetrics); err != nil {
			return nil, fmt.Errorf("decode detailed metrics: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) getEvaluationWhere(ctx context.Context, column, value string) (*types.EvaluationRecord, error) {
	q := `SELECT ` + evaluationColumns + ` FROM evaluation_records WHERE ` + column + ` = $1`
	r, err := scanEvaluation(s.db.QueryRow(ctx, q, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store postgres: evaluation with %s %q: %w", column, value, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store postgres: get evaluation: %w", err)
	}
	return r, nil
}

// GetEvaluation implements store.EvaluationStore.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*types.EvaluationRecord, error) {
	return s.getEvaluationWhere(ctx, "id", id)
}

// GetEvaluationByArtifact implements store.EvaluationStore.
func (s *Store) GetEvaluationByArtifact(ctx context.Context, artifactID string) (*types.EvaluationRecord, error) {
	return s.getEvaluationWhere(ctx, "artifact_id", artifactID)
}

// ListEvaluations implements store.EvaluationStore.
func (s *Store) ListEvaluations(ctx context.Context, f store.EvaluationFilter) ([]types.EvaluationRecord, error) {
	q := `SELECT ` + evaluationColumns + ` FROM evaluation_records`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AuthorID != "" {
		q += ` WHERE author_id = ` + next(f.AuthorID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + next(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + next(f.Offset)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store postgres: list evaluations: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.EvaluationRecord, error) {
		r, err := scanEvaluation(row)
		if err != nil {
			return types.EvaluationRecord{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store postgres: scan evaluations: %w", err)
	}
	return records, nil
}

// RecentQualityScores implements store.EvaluationStore.
func (s *Store) RecentQualityScores(ctx context.Context, authorID string, n int) ([]float64, error) {
	const q = `SELECT quality_score FROM evaluation_records
		WHERE author_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := s.db.Query(ctx, q, authorID, n)
	if err != nil {
		return nil, fmt.Errorf("store postgres: recent scores for %q: %w", authorID, err)
	}
	scores, err := pgx.CollectRows(rows, pgx.RowTo[float64])
	if err != nil {
		return nil, fmt.Errorf("store postgres: scan recent scores: %w", err)
	}
	slices.Reverse(scores)
	return scores, nil
}

// CountEvaluations implements store.EvaluationStore.
func (s *Store) CountEvaluations(ctx context.Context, authorID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM evaluation_records WHERE author_id = $1`, authorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store postgres: count evaluations for %q: %w", authorID, err)
	}
	return n, nil
}
