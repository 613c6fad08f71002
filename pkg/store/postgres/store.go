// Package postgres implements [store.Store] on PostgreSQL.
//
// Step logs are appended to a JSONB array on the session row; every
// mutating statement is guarded by a status predicate so a terminal session
// can never change again. Completing a session and inserting its artifact
// happen in one statement.
//
//	pool, err := postgres.Connect(ctx, dsn)
//	st := postgres.New(pool)
//	err = st.Migrate(ctx)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/redraft/pkg/store"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use when its DB is a pool.
type Store struct {
	db DB
}

// New returns a Store using db. Call [Store.Migrate] before first use.
func New(db DB) *Store { return &Store{db: db} }

// Connect opens a pool to dsn, registers pgvector types on every connection
// and verifies connectivity. The pool is shared by the store, the corpus
// reader and the event outbox.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if err := ensureVectorExtension(ctx, cfg.ConnConfig); err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store postgres: ping: %w", err)
	}
	return pool, nil
}

// ensureVectorExtension installs pgvector over a one-off connection. Type
// registration in AfterConnect fails until the extension exists.
func ensureVectorExtension(ctx context.Context, cc *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cc.Copy())
	if err != nil {
		return fmt.Errorf("store postgres: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("store postgres: create vector extension: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-key violation on
// constraint (any constraint when empty).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
