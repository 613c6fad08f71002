package postgres

import (
	"context"
	"fmt"
)

// Schema is the DDL for every table owned by the pipeline. Migrate applies
// it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS generation_sessions (
    id                 TEXT        PRIMARY KEY,
    author_id          TEXT        NOT NULL,
    source_document_id TEXT        NOT NULL,
    prompt_hint        TEXT        NOT NULL DEFAULT '',
    options            JSONB       NOT NULL DEFAULT '{}',
    status             TEXT        NOT NULL DEFAULT 'pending',
    context            JSONB,
    steps              JSONB       NOT NULL DEFAULT '[]',
    error              TEXT        NOT NULL DEFAULT '',
    failed_step        TEXT        NOT NULL DEFAULT '',
    artifact_id        TEXT        NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_generation_sessions_author
    ON generation_sessions (author_id, created_at DESC);

CREATE TABLE IF NOT EXISTS generated_artifacts (
    id                 TEXT        PRIMARY KEY,
    session_id         TEXT        NOT NULL UNIQUE REFERENCES generation_sessions(id),
    author_id          TEXT        NOT NULL,
    source_document_id TEXT        NOT NULL,
    text               TEXT        NOT NULL,
    word_count         INT         NOT NULL,
    confidence         DOUBLE PRECISION NOT NULL,
    metadata           JSONB       NOT NULL DEFAULT '{}',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evaluation_records (
    id                    TEXT        PRIMARY KEY,
    author_id             TEXT        NOT NULL,
    source_document_id    TEXT        NOT NULL,
    reference_document_id TEXT        NOT NULL,
    artifact_id           TEXT        NOT NULL,
    reference_text        TEXT        NOT NULL,
    candidate_text        TEXT        NOT NULL,
    reference_word_count  INT         NOT NULL,
    candidate_word_count  INT         NOT NULL,
    sentence_edit_rate    DOUBLE PRECISION NOT NULL,
    word_edit_rate        DOUBLE PRECISION NOT NULL,
    semantic_similarity   DOUBLE PRECISION NOT NULL,
    quality_score         DOUBLE PRECISION NOT NULL,
    improvement_score     DOUBLE PRECISION NOT NULL,
    tier_at_evaluation    TEXT        NOT NULL,
    recommended_tier      TEXT        NOT NULL,
    bucket_changed        BOOLEAN     NOT NULL,
    detailed_metrics      JSONB       NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT evaluation_records_artifact_id_key UNIQUE (artifact_id)
);

CREATE INDEX IF NOT EXISTS idx_evaluation_records_author
    ON evaluation_records (author_id, created_at DESC);
`

// artifactUniqueConstraint is the name Postgres reports when a second
// evaluation for the same artifact is inserted.
const artifactUniqueConstraint = "evaluation_records_artifact_id_key"

// Migrate creates the pipeline tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store postgres: migrate: %w", err)
	}
	return nil
}
