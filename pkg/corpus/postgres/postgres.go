// Package postgres reads the corpus collaborators from a shared PostgreSQL
// database with the pgvector extension.
//
// Similar examples are ranked in SQL by cosine distance between the stored
// embedding of the source draft and the embeddings of the author's earlier
// drafts. Drafts without an embedding are filled in by
// [Store.BackfillEmbeddings], which the scheduler runs periodically.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/MrWong99/redraft/pkg/corpus"
	"github.com/MrWong99/redraft/pkg/provider/embeddings"
	"github.com/MrWong99/redraft/pkg/types"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ corpus.Corpus     = (*Store)(nil)
	_ corpus.TierWriter = (*Store)(nil)
)

// Schema returns the corpus DDL for embeddings of the given dimension. In
// production these tables belong to the ingestion service; [Store.Migrate]
// exists for local setups and integration tests.
func Schema(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS authors (
    id           TEXT        PRIMARY KEY,
    name         TEXT        NOT NULL DEFAULT '',
    specialty    TEXT        NOT NULL DEFAULT '',
    current_tier TEXT        NOT NULL DEFAULT 'medium_touch',
    preferences  JSONB       NOT NULL DEFAULT '{}',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
    id           TEXT        PRIMARY KEY,
    author_id    TEXT        NOT NULL REFERENCES authors(id),
    text         TEXT        NOT NULL,
    word_count   INT         NOT NULL DEFAULT 0,
    reference_of TEXT        REFERENCES documents(id),
    embedding    vector(%d),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_author ON documents (author_id);
CREATE INDEX IF NOT EXISTS idx_documents_reference_of ON documents (reference_of);
CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS correction_patterns (
    id        BIGSERIAL PRIMARY KEY,
    author_id TEXT      NOT NULL REFERENCES authors(id),
    original  TEXT      NOT NULL,
    corrected TEXT      NOT NULL,
    category  TEXT      NOT NULL DEFAULT '',
    frequency INT       NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_correction_patterns_author
    ON correction_patterns (author_id, frequency DESC);
`, dims)
}

// Store implements the corpus interfaces on top of [DB].
type Store struct {
	db DB
}

// New returns a Store using db.
func New(db DB) *Store { return &Store{db: db} }

// Migrate creates the corpus tables if they do not exist.
func (s *Store) Migrate(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("corpus postgres: migrate: embedding dimensions must be positive, got %d", dims)
	}
	if _, err := s.db.Exec(ctx, Schema(dims)); err != nil {
		return fmt.Errorf("corpus postgres: migrate: %w", err)
	}
	return nil
}

// GetAuthor implements corpus.AuthorDirectory.
func (s *Store) GetAuthor(ctx context.Context, id string) (*types.Author, error) {
	const q = `SELECT id, name, specialty, current_tier, preferences FROM authors WHERE id = $1`
	var (
		a     types.Author
		tier  string
		prefs []byte
	)
	err := s.db.QueryRow(ctx, q, id).Scan(&a.ID, &a.Name, &a.Specialty, &tier, &prefs)
	if err != nil {
		return nil, notFound(err, "author", id)
	}
	a.CurrentTier = types.Tier(tier)
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &a.Preferences); err != nil {
			return nil, fmt.Errorf("corpus postgres: author %q: decode preferences: %w", id, err)
		}
	}
	return &a, nil
}

// SetTier implements corpus.TierWriter.
func (s *Store) SetTier(ctx context.Context, authorID string, tier types.Tier) error {
	tag, err := s.db.Exec(ctx, `UPDATE authors SET current_tier = $2, updated_at = now() WHERE id = $1`, authorID, string(tier))
	if err != nil {
		return fmt.Errorf("corpus postgres: set tier for %q: %w", authorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("corpus postgres: author %q: %w", authorID, types.ErrNotFound)
	}
	return nil
}

const documentColumns = `id, author_id, text, word_count, created_at`

func scanDocument(row pgx.Row) (*types.Document, error) {
	var d types.Document
	if err := row.Scan(&d.ID, &d.AuthorID, &d.Text, &d.WordCount, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDocument implements corpus.DocumentSource.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	d, err := scanDocument(s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return d, nil
}

// GetReference implements corpus.DocumentSource. When a draft was finalised
// more than once the newest reference wins.
func (s *Store) GetReference(ctx context.Context, sourceDocumentID string) (*types.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents
		WHERE reference_of = $1 ORDER BY created_at DESC LIMIT 1`
	d, err := scanDocument(s.db.QueryRow(ctx, q, sourceDocumentID))
	if err != nil {
		return nil, notFound(err, "reference for", sourceDocumentID)
	}
	return d, nil
}

// GetPatterns implements corpus.PatternSource.
func (s *Store) GetPatterns(ctx context.Context, authorID string) ([]types.CorrectionPattern, error) {
	const q = `SELECT original, corrected, category, frequency FROM correction_patterns
		WHERE author_id = $1 ORDER BY frequency DESC, original`
	rows, err := s.db.Query(ctx, q, authorID)
	if err != nil {
		return nil, fmt.Errorf("corpus postgres: patterns for %q: %w", authorID, err)
	}
	patterns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CorrectionPattern, error) {
		var p types.CorrectionPattern
		err := row.Scan(&p.Original, &p.Corrected, &p.Category, &p.Frequency)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("corpus postgres: scan patterns for %q: %w", authorID, err)
	}
	return patterns, nil
}

// GetSimilarExamples implements corpus.PatternSource. Drafts are ordered by
// cosine distance to the source draft's embedding; when either side has no
// embedding yet the newest drafts come first.
func (s *Store) GetSimilarExamples(ctx context.Context, authorID, sourceDocumentID string, limit int) ([]types.HistoricalExample, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
		SELECT d.id, d.text, r.text,
		       COALESCE(1 - (d.embedding <=> src.embedding), 0) AS similarity
		FROM documents d
		JOIN LATERAL (
		    SELECT text FROM documents
		    WHERE reference_of = d.id ORDER BY created_at DESC LIMIT 1
		) r ON true
		LEFT JOIN documents src ON src.id = $2
		WHERE d.author_id = $1
		  AND d.id <> $2
		  AND d.reference_of IS NULL
		ORDER BY d.embedding <=> src.embedding ASC NULLS LAST, d.created_at DESC
		LIMIT $3`

	rows, err := s.db.Query(ctx, q, authorID, sourceDocumentID, limit)
	if err != nil {
		return nil, fmt.Errorf("corpus postgres: similar examples for %q: %w", authorID, err)
	}
	examples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.HistoricalExample, error) {
		var ex types.HistoricalExample
		err := row.Scan(&ex.DocumentID, &ex.DraftText, &ex.FinalText, &ex.Similarity)
		return ex, err
	})
	if err != nil {
		return nil, fmt.Errorf("corpus postgres: scan similar examples: %w", err)
	}
	return examples, nil
}

// BackfillEmbeddings embeds up to batch drafts that have no embedding yet and
// returns how many were updated.
func (s *Store) BackfillEmbeddings(ctx context.Context, embedder embeddings.Provider, batch int) (int, error) {
	const q = `SELECT id, text FROM documents
		WHERE embedding IS NULL AND reference_of IS NULL
		ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.Query(ctx, q, batch)
	if err != nil {
		return 0, fmt.Errorf("corpus postgres: select unembedded: %w", err)
	}
	type pending struct{ id, text string }
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pending, error) {
		var p pending
		err := row.Scan(&p.id, &p.text)
		return p, err
	})
	if err != nil {
		return 0, fmt.Errorf("corpus postgres: scan unembedded: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.text
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("corpus postgres: embed backfill batch: %w", err)
	}

	var errs []error
	updated := 0
	for i, d := range docs {
		_, err := s.db.Exec(ctx, `UPDATE documents SET embedding = $2 WHERE id = $1`, d.id, pgvector.NewVector(vecs[i]))
		if err != nil {
			errs = append(errs, fmt.Errorf("document %q: %w", d.id, err))
			continue
		}
		updated++
	}
	if len(errs) > 0 {
		return updated, fmt.Errorf("corpus postgres: backfill: %w", errors.Join(errs...))
	}
	return updated, nil
}

// notFound maps pgx.ErrNoRows to types.ErrNotFound and wraps everything else.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("corpus postgres: %s %q: %w", what, id, types.ErrNotFound)
	}
	return fmt.Errorf("corpus postgres: %s %q: %w", what, id, err)
}
