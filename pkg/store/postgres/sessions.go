package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/redraft/pkg/types"
)

const notTerminal = `status NOT IN ('completed', 'failed')`

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	opts, err := json.Marshal(sess.Options)
	if err != nil {
		return fmt.Errorf("store postgres: marshal options: %w", err)
	}
	const q = `
		INSERT INTO generation_sessions (id, author_id, source_document_id, prompt_hint, options, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING created_at, updated_at`
	err = s.db.QueryRow(ctx, q, sess.ID, sess.AuthorID, sess.SourceDocumentID, sess.PromptHint, opts).
		Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("store postgres: session %q already exists", sess.ID)
		}
		return fmt.Errorf("store postgres: create session: %w", err)
	}
	sess.Status = types.SessionPending
	return nil
}

// StartSession implements store.SessionStore.
func (s *Store) StartSession(ctx context.Context, id string, bundle *types.ContextBundle) error {
	ctxJSON, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("store postgres: marshal context: %w", err)
	}
	const q = `
		UPDATE generation_sessions
		SET status = 'in_progress', context = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`
	tag, err := s.db.Exec(ctx, q, id, ctxJSON)
	if err != nil {
		return fmt.Errorf("store postgres: start session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejected(ctx, id, types.SessionPending)
	}
	return nil
}

// AppendStep implements store.SessionStore.
func (s *Store) AppendStep(ctx context.Context, id string, rec types.StepRecord) error {
	stepJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store postgres: marshal step: %w", err)
	}
	q := `
		UPDATE generation_sessions
		SET steps = steps || jsonb_build_array($2::jsonb), updated_at = now()
		WHERE id = $1 AND ` + notTerminal
	tag, err := s.db.Exec(ctx, q, id, stepJSON)
	if err != nil {
		return fmt.Errorf("store postgres: append step to %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejected(ctx, id, "")
	}
	return nil
}

// CompleteSession implements store.SessionStore. The artifact row is only
// inserted when the session update matched, so both happen or neither does.
func (s *Store) CompleteSession(ctx context.Context, a *types.Artifact) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("store postgres: marshal artifact metadata: %w", err)
	}
	const q = `
		WITH done AS (
		    UPDATE generation_sessions
		    SET status = 'completed', artifact_id = $1, updated_at = now()
		    WHERE id = $2 AND status = 'in_progress'
		    RETURNING id
		)
		INSERT INTO generated_artifacts
		    (id, session_id, author_id, source_document_id, text, word_count, confidence, metadata)
		SELECT $1, done.id, $3, $4, $5, $6, $7, $8 FROM done
		RETURNING created_at`
	err = s.db.QueryRow(ctx, q, a.ID, a.SessionID, a.AuthorID, a.SourceDocumentID,
		a.Text, a.WordCount, a.Confidence, meta).Scan(&a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.rejected(ctx, a.SessionID, types.SessionInProgress)
	}
	if err != nil {
		return fmt.Errorf("store postgres: complete session %q: %w", a.SessionID, err)
	}
	return nil
}

// FailSession implements store.SessionStore.
func (s *Store) FailSession(ctx context.Context, id string, step types.Step, errMsg string) error {
	q := `
		UPDATE generation_sessions
		SET status = 'failed', failed_step = $2, error = $3, updated_at = now()
		WHERE id = $1 AND ` + notTerminal
	tag, err := s.db.Exec(ctx, q, id, string(step), errMsg)
	if err != nil {
		return fmt.Errorf("store postgres: fail session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejected(ctx, id, "")
	}
	return nil
}

// rejected explains why a guarded update matched no row.
func (s *Store) rejected(ctx context.Context, id string, want types.SessionStatus) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM generation_sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store postgres: session %q: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store postgres: session %q: read status: %w", id, err)
	}
	if types.SessionStatus(status).Terminal() {
		return fmt.Errorf("store postgres: session %q is %s: %w", id, status, types.ErrSessionTerminal)
	}
	return fmt.Errorf("store postgres: session %q is %s, want %s", id, status, want)
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	const q = `
		SELECT id, author_id, source_document_id, prompt_hint, options, status, context,
		       steps, error, failed_step, artifact_id, created_at, updated_at
		FROM generation_sessions WHERE id = $1`
	var (
		sess                 types.Session
		status, failedStep   string
		opts, ctxJSON, steps []byte
	)
	err := s.db.QueryRow(ctx, q, id).Scan(
		&sess.ID, &sess.AuthorID, &sess.SourceDocumentID, &sess.PromptHint, &opts, &status, &ctxJSON,
		&steps, &sess.Error, &failedStep, &sess.ArtifactID, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store postgres: session %q: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store postgres: get session %q: %w", id, err)
	}
	sess.Status = types.SessionStatus(status)
	sess.FailedStep = types.Step(failedStep)

	if err := json.Unmarshal(opts, &sess.Options); err != nil {
		return nil, fmt.Errorf("store postgres: session %q: decode options: %w", id, err)
	}
	if len(ctxJSON) > 0 {
		sess.Context = &types.ContextBundle{}
		if err := json.Unmarshal(ctxJSON, sess.Context); err != nil {
			return nil, fmt.Errorf("store postgres: session %q: decode context: %w", id, err)
		}
	}
	if err := json.Unmarshal(steps, &sess.Steps); err != nil {
		return nil, fmt.Errorf("store postgres: session %q: decode steps: %w", id, err)
	}
	return &sess, nil
}

// GetArtifact implements store.ArtifactStore.
func (s *Store) GetArtifact(ctx context.Context, id string) (*types.Artifact, error) {
	const q = `
		SELECT id, session_id, author_id, source_document_id, text, word_count, confidence, metadata, created_at
		FROM generated_artifacts WHERE id = $1`
	var (
		a    types.Artifact
		meta []byte
	)
	err := s.db.QueryRow(ctx, q, id).Scan(&a.ID, &a.SessionID, &a.AuthorID, &a.SourceDocumentID,
		&a.Text, &a.WordCount, &a.Confidence, &meta, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store postgres: artifact %q: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store postgres: get artifact %q: %w", id, err)
	}
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return nil, fmt.Errorf("store postgres: artifact %q: decode metadata: %w", id, err)
	}
	return &a, nil
}
