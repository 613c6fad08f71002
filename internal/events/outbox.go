package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/redraft/internal/observe"
)

// OutboxSchema creates the event table. Rows move from pending to delivered
// or dead; delivered rows are pruned by [Outbox.Prune].
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS redraft_events (
    id           TEXT        PRIMARY KEY,
    topic        TEXT        NOT NULL,
    key          TEXT        NOT NULL DEFAULT '',
    payload      JSONB       NOT NULL,
    status       TEXT        NOT NULL DEFAULT 'pending',
    attempts     INT         NOT NULL DEFAULT 0,
    last_error   TEXT        NOT NULL DEFAULT '',
    available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_until TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    delivered_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_redraft_events_pending
    ON redraft_events (available_at) WHERE status = 'pending';
`

// DB is the subset of pgx used by [Outbox]; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Outbox is a [Bus] backed by the redraft_events table. Publish only
// inserts; delivery happens in [Outbox.Dispatch], which is safe to run from
// several processes at once because rows are claimed with SKIP LOCKED.
type Outbox struct {
	db DB

	mu       sync.RWMutex
	handlers map[string][]Handler

	batchSize   int
	lease       time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	metrics     *observe.Metrics
}

var _ Bus = (*Outbox)(nil)

// OutboxOption configures an [Outbox].
type OutboxOption func(*Outbox)

// WithBatchSize limits how many rows one Dispatch claims. Default: 50.
func WithBatchSize(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLease sets how long a claimed row stays invisible to other
// dispatchers. Default: 2m.
func WithLease(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithOutboxRetry sets the attempt budget and backoff of redeliveries.
// Defaults: 8 attempts, 5s doubling up to 10m.
func WithOutboxRetry(maxAttempts int, base, ceiling time.Duration) OutboxOption {
	return func(o *Outbox) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		if base > 0 {
			o.baseDelay = base
		}
		if ceiling >= o.baseDelay {
			o.maxDelay = ceiling
		}
	}
}

// WithOutboxMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithOutboxMetrics(m *observe.Metrics) OutboxOption {
	return func(o *Outbox) { o.metrics = m }
}

// NewOutbox returns an Outbox on db. Call [Outbox.Migrate] before first use.
func NewOutbox(db DB, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		db:          db,
		handlers:    make(map[string][]Handler),
		batchSize:   50,
		lease:       2 * time.Minute,
		maxAttempts: 8,
		baseDelay:   5 * time.Second,
		maxDelay:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Migrate creates the event table.
func (o *Outbox) Migrate(ctx context.Context) error {
	if _, err := o.db.Exec(ctx, OutboxSchema); err != nil {
		return fmt.Errorf("events outbox: migrate: %w", err)
	}
	return nil
}

// Subscribe registers h for topic.
func (o *Outbox) Subscribe(topic string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[topic] = append(o.handlers[topic], h)
}

// Publish stores env for later dispatch.
func (o *Outbox) Publish(ctx context.Context, env Envelope) error {
	if env.Topic == "" {
		return errors.New("events: topic must not be empty")
	}
	_, err := o.db.Exec(ctx,
		`INSERT INTO redraft_events (id, topic, key, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		env.ID, env.Topic, env.Key, []byte(env.Payload), env.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("events outbox: publish %s: %w", env.Topic, err)
	}
	o.metrics.RecordEventPublished(ctx, env.Topic)
	return nil
}

// Dispatch claims one batch of due envelopes and runs their handlers. It
// returns how many envelopes were claimed.
func (o *Outbox) Dispatch(ctx context.Context) (int, error) {
	claimed, err := o.claim(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, env := range claimed {
		if err := o.deliver(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return len(claimed), errors.Join(errs...)
}

func (o *Outbox) claim(ctx context.Context) ([]Envelope, error) {
	rows, err := o.db.Query(ctx,
		`UPDATE redraft_events
		 SET locked_until = now() + make_interval(secs => $2), attempts = attempts + 1
		 WHERE id IN (
		     SELECT id FROM redraft_events
		     WHERE status = 'pending'
		       AND available_at <= now()
		       AND (locked_until IS NULL OR locked_until < now())
		     ORDER BY created_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, topic, key, payload, attempts, created_at`,
		o.batchSize, o.lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("events outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env     Envelope
			payload []byte
		)
		if err := rows.Scan(&env.ID, &env.Topic, &env.Key, &payload, &env.Attempt, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("events outbox: scan claimed event: %w", err)
		}
		env.Payload = payload
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events outbox: claim: %w", err)
	}
	return out, nil
}

// deliver runs every handler of env's topic and records the outcome. An
// envelope without handlers counts as delivered.
func (o *Outbox) deliver(ctx context.Context, env Envelope) error {
	o.mu.RLock()
	hs := o.handlers[env.Topic]
	o.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := safeHandle(ctx, h, env); err != nil {
			errs = append(errs, err)
		}
	}
	herr := errors.Join(errs...)
	log := observe.Logger(ctx).With("topic", env.Topic, "event_id", env.ID, "attempt", env.Attempt)

	switch {
	case herr == nil:
		o.metrics.RecordEventDelivery(ctx, env.Topic, "ok")
		_, err := o.db.Exec(ctx,
			`UPDATE redraft_events
			 SET status = 'delivered', delivered_at = now(), locked_until = NULL, last_error = ''
			 WHERE id = $1`, env.ID)
		if err != nil {
			return fmt.Errorf("events outbox: mark %s delivered: %w", env.ID, err)
		}
		return nil

	case IsPermanent(herr) || env.Attempt >= o.maxAttempts:
		o.metrics.RecordEventDelivery(ctx, env.Topic, "dead")
		log.Error("events outbox: delivery abandoned", "err", herr)
		_, err := o.db.Exec(ctx,
			`UPDATE redraft_events
			 SET status = 'dead', locked_until = NULL, last_error = $2
			 WHERE id = $1`, env.ID, herr.Error())
		if err != nil {
			return fmt.Errorf("events outbox: mark %s dead: %w", env.ID, err)
		}
		return nil

	default:
		o.metrics.RecordEventDelivery(ctx, env.Topic, "retry")
		delay := backoff(o.baseDelay, o.maxDelay, env.Attempt)
		log.Warn("events outbox: delivery failed, rescheduling", "retry_in", delay, "err", herr)
		_, err := o.db.Exec(ctx,
			`UPDATE redraft_events
			 SET available_at = now() + make_interval(secs => $2), locked_until = NULL, last_error = $3
			 WHERE id = $1`, env.ID, delay.Seconds(), herr.Error())
		if err != nil {
			return fmt.Errorf("events outbox: reschedule %s: %w", env.ID, err)
		}
		return nil
	}
}

// Prune deletes delivered envelopes older than retention and returns how
// many were removed. Dead envelopes are kept for inspection.
func (o *Outbox) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := o.db.Exec(ctx,
		`DELETE FROM redraft_events
		 WHERE status = 'delivered' AND delivered_at < now() - make_interval(secs => $1)`,
		retention.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("events outbox: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
