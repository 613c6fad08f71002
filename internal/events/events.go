// Package events carries the domain events that connect generation and
// evaluation.
//
// Producers publish an [Envelope] on a topic; consumers subscribe a
// [Handler]. Two buses exist: [MemoryBus] delivers in-process with bounded
// retries, and [Outbox] persists envelopes in PostgreSQL and delivers them
// from a periodic dispatcher so events survive restarts.
//
// Delivery is at least once. Handlers must be idempotent.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/redraft/pkg/types"
)

// Topics.
const (
	TopicArtifactGenerated   = "artifact.generated"
	TopicEvaluationCompleted = "evaluation.completed"
	TopicTierReassigned      = "tier.reassigned"
)

// ArtifactGenerated is published after a session completed with an artifact.
type ArtifactGenerated struct {
	AuthorID         string `json:"author_id"`
	SourceDocumentID string `json:"source_document_id"`
	ArtifactID       string `json:"artifact_id"`
	SessionID        string `json:"session_id"`
}

// Trigger converts the event into an evaluation trigger.
func (e ArtifactGenerated) Trigger() types.EvaluationTrigger {
	return types.EvaluationTrigger{
		AuthorID:         e.AuthorID,
		SourceDocumentID: e.SourceDocumentID,
		ArtifactID:       e.ArtifactID,
		SessionID:        e.SessionID,
	}
}

// EvaluationCompleted is published after an evaluation record was stored.
type EvaluationCompleted struct {
	EvaluationID     string     `json:"evaluation_id"`
	AuthorID         string     `json:"author_id"`
	ArtifactID       string     `json:"artifact_id"`
	QualityScore     float64    `json:"quality_score"`
	ImprovementScore float64    `json:"improvement_score"`
	RecommendedTier  types.Tier `json:"recommended_tier"`
	BucketChanged    bool       `json:"bucket_changed"`
}

// TierReassigned is published when an evaluation moved an author to a new
// tier.
type TierReassigned struct {
	AuthorID     string     `json:"author_id"`
	EvaluationID string     `json:"evaluation_id"`
	OldTier      types.Tier `json:"old_tier"`
	NewTier      types.Tier `json:"new_tier"`
	// QualityScore is the score of the evaluation that caused the change.
	QualityScore float64 `json:"quality_score"`
	// MeanQuality is the history mean the recommendation was based on.
	MeanQuality float64 `json:"mean_quality"`
}

// Envelope is the transport form of an event.
type Envelope struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`

	// Key identifies the aggregate the event belongs to, e.g. the artifact
	// ID. It is informational; ordering is not guaranteed.
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`

	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEnvelope encodes payload into a fresh envelope.
func NewEnvelope(topic, key string, payload any) (Envelope, error) {
	if topic == "" {
		return Envelope{}, errors.New("events: topic must not be empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s payload: %w", topic, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload of env into T. A payload that does not
// decode is a permanent failure.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("events: decode %s payload: %w", env.Topic, err))
	}
	return v, nil
}

// Handler consumes one envelope. Returning a non-nil error requests a
// redelivery unless the error is [Permanent].
type Handler func(ctx context.Context, env Envelope) error

// Publisher publishes envelopes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Bus is a publisher that also dispatches to subscribed handlers.
type Bus interface {
	Publisher
	Subscribe(topic string, h Handler)
}

// Publish encodes payload and publishes it on p.
func Publish(ctx context.Context, p Publisher, topic, key string, payload any) error {
	env, err := NewEnvelope(topic, key, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, env)
}

// ── Permanent failures ──────────────────────────────────────────────────────

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// backoff returns the delay before redelivery attempt n+1.
func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}
