// Package pgtest provides in-process doubles for the small pgx surface the
// Postgres stores depend on (QueryRow, Query, Exec). Stores are unit tested
// against these; real database tests are gated on an environment DSN.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DSNEnv names the variable holding a DSN for integration tests.
const DSNEnv = "REDRAFT_TEST_POSTGRES_DSN"

// DSN returns the integration test DSN or skips the test when it is unset.
func DSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping integration test", DSNEnv)
	}
	return dsn
}

// Row implements pgx.Row over a fixed list of values or an error.
type Row struct {
	Values []any
	Err    error
}

// Scan copies Values into dest.
func (r *Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return assign(r.Values, dest)
}

// Rows implements pgx.Rows over in-memory data.
type Rows struct {
	Data    [][]any
	ErrVal  error
	ScanErr error

	idx    int
	closed bool
}

func (r *Rows) Close()                                       { r.closed = true }
func (r *Rows) Err() error                                   { return r.ErrVal }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }
func (r *Rows) Values() ([]any, error)                       { return r.Data[r.idx-1], nil }

// Closed reports whether Close was called.
func (r *Rows) Closed() bool { return r.closed }

func (r *Rows) Next() bool {
	if r.closed || r.idx >= len(r.Data) {
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	return assign(r.Data[r.idx-1], dest)
}

// Call records one statement sent to a [DB].
type Call struct {
	Method string
	SQL    string
	Args   []any
}

// DB implements the QueryRow/Query/Exec interface of the Postgres stores.
// Unset funcs behave like an empty database: QueryRow returns
// pgx.ErrNoRows, Query returns no rows and Exec affects nothing.
type DB struct {
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	mu    sync.Mutex
	calls []Call
}

func (m *DB) record(method, sql string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, SQL: sql, Args: args})
}

// Calls returns a snapshot of every recorded statement.
func (m *DB) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.record("QueryRow", sql, args)
	if m.QueryRowFunc != nil {
		return m.QueryRowFunc(ctx, sql, args...)
	}
	return &Row{Err: pgx.ErrNoRows}
}

func (m *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.record("Query", sql, args)
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, sql, args...)
	}
	return &Rows{}, nil
}

func (m *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.record("Exec", sql, args)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

// Tag builds a command tag such as "UPDATE 1".
func Tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }

// UniqueViolation is the error Postgres returns for a duplicate key.
func UniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

// assign copies each value into the matching destination pointer. Nil
// values leave the destination zeroed.
func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("pgtest: scan: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("pgtest: scan: destination %d is not a pointer", i)
		}
		target := dv.Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		switch {
		case sv.Type().AssignableTo(target.Type()):
			target.Set(sv)
		case target.Kind() == reflect.Pointer && sv.Type().AssignableTo(target.Type().Elem()):
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(sv)
			target.Set(p)
		case sv.Type().ConvertibleTo(target.Type()):
			target.Set(sv.Convert(target.Type()))
		default:
			return fmt.Errorf("pgtest: scan: cannot assign %T to %s at index %d", v, target.Type(), i)
		}
	}
	return nil
}
