package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/redraft/internal/pgtest"
)

// claimedRows returns a Query func that answers the claim statement with
// one row per envelope.
func claimedRows(envs ...Envelope) func(context.Context, string, ...any) (pgx.Rows, error) {
	return func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "FOR UPDATE SKIP LOCKED") {
			return nil, errors.New("unexpected query")
		}
		data := make([][]any, 0, len(envs))
		for _, e := range envs {
			data = append(data, []any{e.ID, e.Topic, e.Key, []byte(e.Payload), e.Attempt, e.CreatedAt})
		}
		return &pgtest.Rows{Data: data}, nil
	}
}

func execsMatching(db *pgtest.DB, fragment string) []pgtest.Call {
	var out []pgtest.Call
	for _, c := range db.Calls() {
		if c.Method == "Exec" && strings.Contains(c.SQL, fragment) {
			out = append(out, c)
		}
	}
	return out
}

func TestOutbox_PublishInserts(t *testing.T) {
	t.Parallel()
	db := &pgtest.DB{}
	o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)))

	env, _ := NewEnvelope(TopicArtifactGenerated, "art-1", ArtifactGenerated{ArtifactID: "art-1"})
	if err := o.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	calls := execsMatching(db, "INSERT INTO redraft_events")
	if len(calls) != 1 {
		t.Fatalf("got %d inserts, want 1", len(calls))
	}
	args := calls[0].Args
	if args[0] != env.ID || args[1] != TopicArtifactGenerated || args[2] != "art-1" {
		t.Errorf("insert args = %v", args[:3])
	}
	if string(args[3].([]byte)) != string(env.Payload) {
		t.Errorf("payload = %s, want %s", args[3], env.Payload)
	}
}

func TestOutbox_PublishError(t *testing.T) {
	t.Parallel()
	db := &pgtest.DB{ExecFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}}
	o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)))

	env, _ := NewEnvelope("t", "", nil)
	if err := o.Publish(context.Background(), env); err == nil {
		t.Fatal("expected error")
	}
}

func TestOutbox_DispatchMarksDelivered(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(TopicArtifactGenerated, "art-1", ArtifactGenerated{ArtifactID: "art-1"})
	env.Attempt = 1
	db := &pgtest.DB{QueryFunc: claimedRows(env)}
	o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)), WithBatchSize(10))

	var got ArtifactGenerated
	o.Subscribe(TopicArtifactGenerated, func(_ context.Context, e Envelope) error {
		var err error
		got, err = Decode[ArtifactGenerated](e)
		return err
	})

	n, err := o.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 1 {
		t.Errorf("claimed = %d, want 1", n)
	}
	if got.ArtifactID != "art-1" {
		t.Errorf("handler saw %+v", got)
	}

	q := db.Calls()[0]
	if q.Args[0] != 10 {
		t.Errorf("batch size arg = %v, want 10", q.Args[0])
	}
	if len(execsMatching(db, "status = 'delivered'")) != 1 {
		t.Error("envelope not marked delivered")
	}
}

func TestOutbox_DispatchReschedulesTransientFailure(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope("t", "", nil)
	env.Attempt = 2
	db := &pgtest.DB{QueryFunc: claimedRows(env)}
	o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)), WithOutboxRetry(5, time.Second, time.Minute))
	o.Subscribe("t", func(context.Context, Envelope) error { return errors.New("reference not ready") })

	if _, err := o.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	calls := execsMatching(db, "available_at = now() + make_interval")
	if len(calls) != 1 {
		t.Fatalf("got %d reschedules, want 1", len(calls))
	}
	if got := calls[0].Args[1]; got != 2.0 {
		t.Errorf("delay = %v s, want 2", got)
	}
	if got := calls[0].Args[2]; got != "reference not ready" {
		t.Errorf("last_error = %v", got)
	}
}

func TestOutbox_DispatchDeadLetters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		err     error
	}{
		{name: "permanent", attempt: 1, err: Permanent(errors.New("bad payload"))},
		{name: "exhausted", attempt: 3, err: errors.New("still down")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env, _ := NewEnvelope("t", "", nil)
			env.Attempt = tc.attempt
			db := &pgtest.DB{QueryFunc: claimedRows(env)}
			o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)), WithOutboxRetry(3, time.Second, time.Minute))
			o.Subscribe("t", func(context.Context, Envelope) error { return tc.err })

			if _, err := o.Dispatch(context.Background()); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if len(execsMatching(db, "status = 'dead'")) != 1 {
				t.Error("envelope not dead-lettered")
			}
		})
	}
}

func TestOutbox_DispatchWithoutHandlersDelivers(t *testing.T) {
	t.Parallel()

	env, _ := NewEnvelope(TopicTierReassigned, "", nil)
	db := &pgtest.DB{QueryFunc: claimedRows(env)}
	o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)))

	if _, err := o.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(execsMatching(db, "status = 'delivered'")) != 1 {
		t.Error("envelope without handlers not marked delivered")
	}
}

func TestOutbox_Prune(t *testing.T) {
	t.Parallel()
	db := &pgtest.DB{ExecFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgtest.Tag("DELETE 7"), nil
	}}
	o := NewOutbox(db, WithOutboxMetrics(testMetrics(t)))

	n, err := o.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 7 {
		t.Errorf("pruned = %d, want 7", n)
	}
	if got := db.Calls()[0].Args[0]; got != 86400.0 {
		t.Errorf("retention arg = %v, want 86400", got)
	}
}
