// Package evaluation scores generated artifacts against their human
// finalised references and keeps author tiers up to date.
//
// For every artifact an [Orchestrator] fetches the author, the reference
// and the artifact, compares the texts, classifies the author's recent
// quality, persists one immutable evaluation record and announces the
// outcome. A failed fetch aborts the attempt without writing anything so the
// triggering event can simply be redelivered.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/redraft/internal/events"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/internal/tiering"
	"github.com/MrWong99/redraft/pkg/corpus"
	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

// Detail keys added to the comparison detail map.
const (
	DetailHistoryMean    = "history_mean"
	DetailHistorySamples = "history_samples"
	DetailEvaluationNo   = "evaluation_number"
)

// Comparer scores a candidate text against a reference text.
// *compare.Engine implements it.
type Comparer interface {
	Compare(ctx context.Context, reference, candidate string) types.Metrics
}

// Deps are the collaborators of an [Orchestrator]. Tiers is optional; when
// nil and Authors implements [corpus.TierWriter], Authors is used.
type Deps struct {
	Authors     corpus.AuthorDirectory
	Documents   corpus.DocumentSource
	Artifacts   store.ArtifactStore
	Evaluations store.EvaluationStore
	Tiers       corpus.TierWriter
	Comparer    Comparer
	Classifier  *tiering.Classifier
	Publisher   events.Publisher
}

// Orchestrator is stateless between calls and safe for concurrent use.
type Orchestrator struct {
	deps         Deps
	fetchTimeout time.Duration
	metrics      *observe.Metrics
	now          func() time.Time
	newID        func() string
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithFetchTimeout bounds each collaborator fetch. Default: 10s.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.fetchTimeout = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides the evaluation ID source.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New returns an Orchestrator. Every field of d except Tiers is required.
func New(d Deps, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if d.Authors == nil {
		errs = append(errs, errors.New("author directory is nil"))
	}
	if d.Documents == nil {
		errs = append(errs, errors.New("document source is nil"))
	}
	if d.Artifacts == nil {
		errs = append(errs, errors.New("artifact store is nil"))
	}
	if d.Evaluations == nil {
		errs = append(errs, errors.New("evaluation store is nil"))
	}
	if d.Comparer == nil {
		errs = append(errs, errors.New("comparer is nil"))
	}
	if d.Classifier == nil {
		errs = append(errs, errors.New("classifier is nil"))
	}
	if d.Publisher == nil {
		errs = append(errs, errors.New("event publisher is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("evaluation: new orchestrator: %w", err)
	}
	if d.Tiers == nil {
		if tw, ok := d.Authors.(corpus.TierWriter); ok {
			d.Tiers = tw
		}
	}

	o := &Orchestrator{
		deps:         d,
		fetchTimeout: 10 * time.Second,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Subscribe registers the orchestrator for [events.TopicArtifactGenerated].
func (o *Orchestrator) Subscribe(bus events.Bus) {
	bus.Subscribe(events.TopicArtifactGenerated, o.HandleArtifactGenerated)
}

// HandleArtifactGenerated is the [events.Handler] of the event-driven path.
// An artifact that was already evaluated is acknowledged; malformed events
// fail permanently; everything else is left for redelivery.
func (o *Orchestrator) HandleArtifactGenerated(ctx context.Context, env events.Envelope) error {
	ev, err := events.Decode[events.ArtifactGenerated](env)
	if err != nil {
		return err
	}
	_, err = o.Evaluate(ctx, ev.Trigger())
	switch {
	case err == nil, errors.Is(err, types.ErrDuplicateEvaluation):
		return nil
	case errors.Is(err, types.ErrInvalidRequest):
		return events.Permanent(err)
	default:
		return err
	}
}

// ValidateTrigger checks the identifiers of tr.
func ValidateTrigger(tr types.EvaluationTrigger) error {
	var errs []error
	if strings.TrimSpace(tr.AuthorID) == "" {
		errs = append(errs, errors.New("author_id is required"))
	}
	if strings.TrimSpace(tr.SourceDocumentID) == "" {
		errs = append(errs, errors.New("source_document_id is required"))
	}
	if strings.TrimSpace(tr.ArtifactID) == "" {
		errs = append(errs, errors.New("artifact_id is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidRequest, err)
	}
	return nil
}

// Evaluate scores the artifact named by tr and persists the record.
//
// When the artifact already has a record, that record is returned together
// with an error matching [types.ErrDuplicateEvaluation]. Fetch failures match
// [types.ErrExternalFetch] and leave no record behind.
func (o *Orchestrator) Evaluate(ctx context.Context, tr types.EvaluationTrigger) (rec *types.EvaluationRecord, err error) {
	if err := ValidateTrigger(tr); err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}

	ctx, span := observe.StartSpan(ctx, "evaluation.evaluate", trace.WithAttributes(
		attribute.String("artifact_id", tr.ArtifactID),
		attribute.String("author_id", tr.AuthorID),
	))
	defer span.End()

	start := o.now()
	defer func() {
		var quality float64
		status := observe.Status(err)
		if rec != nil {
			quality = rec.QualityScore
		}
		if errors.Is(err, types.ErrDuplicateEvaluation) {
			status = "duplicate"
		}
		o.metrics.RecordEvaluation(ctx, o.now().Sub(start).Seconds(), quality, status)
		if err != nil && status == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	log := observe.Logger(ctx).With("artifact_id", tr.ArtifactID, "author_id", tr.AuthorID)

	if existing, err := o.deps.Evaluations.GetEvaluationByArtifact(ctx, tr.ArtifactID); err == nil {
		log.Info("evaluation: artifact already evaluated", "evaluation_id", existing.ID)
		return existing, fmt.Errorf("evaluation: artifact %s: %w", tr.ArtifactID, types.ErrDuplicateEvaluation)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("evaluation: look up existing record: %w", err)
	}

	in, err := o.fetch(ctx, tr)
	if err != nil {
		log.Warn("evaluation: fetch failed", "err", err)
		return nil, fmt.Errorf("evaluation: %w", err)
	}

	m := o.deps.Comparer.Compare(ctx, in.reference.Text, in.artifact.Text)

	history, err := o.deps.Evaluations.RecentQualityScores(ctx, tr.AuthorID, tiering.Window-1)
	if err != nil {
		return nil, fmt.Errorf("evaluation: quality history: %w", err)
	}
	count, err := o.deps.Evaluations.CountEvaluations(ctx, tr.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("evaluation: count evaluations: %w", err)
	}
	current := in.author.CurrentTier
	if !current.IsValid() {
		current = types.TierFullTouch
	}
	decision := o.deps.Classifier.Decide(current, append(history, m.QualityScore), count+1)

	detail := make(map[string]float64, len(m.Detail)+3)
	for k, v := range m.Detail {
		detail[k] = v
	}
	detail[DetailHistoryMean] = decision.Mean
	detail[DetailHistorySamples] = float64(decision.Samples)
	detail[DetailEvaluationNo] = float64(decision.Count)

	rec = &types.EvaluationRecord{
		ID:                  o.newID(),
		AuthorID:            tr.AuthorID,
		SourceDocumentID:    tr.SourceDocumentID,
		ReferenceDocumentID: in.reference.ID,
		ArtifactID:          tr.ArtifactID,
		ReferenceText:       in.reference.Text,
		CandidateText:       in.artifact.Text,
		ReferenceWordCount:  m.ReferenceWords,
		CandidateWordCount:  m.CandidateWords,
		SentenceEditRate:    m.SentenceEditRate,
		WordEditRate:        m.WordEditRate,
		SemanticSimilarity:  m.SemanticSimilarity,
		QualityScore:        m.QualityScore,
		ImprovementScore:    m.ImprovementScore,
		TierAtEvaluation:    current,
		RecommendedTier:     decision.Recommended,
		BucketChanged:       decision.Reassign,
		DetailedMetrics:     detail,
		CreatedAt:           o.now().UTC(),
	}

	if err := o.deps.Evaluations.CreateEvaluation(ctx, rec); err != nil {
		if errors.Is(err, types.ErrDuplicateEvaluation) {
			// A concurrent delivery won the race.
			existing, gerr := o.deps.Evaluations.GetEvaluationByArtifact(ctx, tr.ArtifactID)
			if gerr != nil {
				return nil, fmt.Errorf("evaluation: artifact %s: %w", tr.ArtifactID, err)
			}
			return existing, fmt.Errorf("evaluation: artifact %s: %w", tr.ArtifactID, types.ErrDuplicateEvaluation)
		}
		return nil, fmt.Errorf("evaluation: persist record: %w", err)
	}
	log.Info("evaluation: record stored", "evaluation_id", rec.ID,
		"quality", rec.QualityScore, "improvement", rec.ImprovementScore,
		"tier", rec.TierAtEvaluation, "recommended", rec.RecommendedTier, "bucket_changed", rec.BucketChanged)

	o.announce(ctx, rec, decision)
	return rec, nil
}

// announce applies a tier change and publishes the follow-on events. The
// record is already committed, so failures here are logged, not returned.
func (o *Orchestrator) announce(ctx context.Context, rec *types.EvaluationRecord, d tiering.Decision) {
	log := observe.Logger(ctx).With("evaluation_id", rec.ID, "author_id", rec.AuthorID)
	pctx := context.WithoutCancel(ctx)

	if rec.BucketChanged {
		o.metrics.RecordTierReassignment(ctx, string(d.Current), string(d.Recommended))
		if o.deps.Tiers != nil {
			if err := o.deps.Tiers.SetTier(pctx, rec.AuthorID, d.Recommended); err != nil {
				log.Error("evaluation: apply tier", "tier", d.Recommended, "err", err)
			}
		}
	}

	if err := events.Publish(pctx, o.deps.Publisher, events.TopicEvaluationCompleted, rec.ArtifactID, events.EvaluationCompleted{
		EvaluationID:     rec.ID,
		AuthorID:         rec.AuthorID,
		ArtifactID:       rec.ArtifactID,
		QualityScore:     rec.QualityScore,
		ImprovementScore: rec.ImprovementScore,
		RecommendedTier:  rec.RecommendedTier,
		BucketChanged:    rec.BucketChanged,
	}); err != nil {
		log.Error("evaluation: publish completion", "err", err)
	}
	if !rec.BucketChanged {
		return
	}
	if err := events.Publish(pctx, o.deps.Publisher, events.TopicTierReassigned, rec.AuthorID, events.TierReassigned{
		AuthorID:     rec.AuthorID,
		EvaluationID: rec.ID,
		OldTier:      d.Current,
		NewTier:      d.Recommended,
		QualityScore: rec.QualityScore,
		MeanQuality:  d.Mean,
	}); err != nil {
		log.Error("evaluation: publish tier reassignment", "err", err)
	}
}

type inputs struct {
	author    *types.Author
	reference *types.Document
	artifact  *types.Artifact
}

// fetch loads the three inputs concurrently. The first failure cancels the
// others.
func (o *Orchestrator) fetch(ctx context.Context, tr types.EvaluationTrigger) (*inputs, error) {
	if o.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.fetchTimeout)
		defer cancel()
	}

	var in inputs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := o.deps.Authors.GetAuthor(gctx, tr.AuthorID)
		if err != nil {
			return &types.ExternalFetchError{Resource: "author", ID: tr.AuthorID, Err: err}
		}
		in.author = a
		return nil
	})
	g.Go(func() error {
		d, err := o.deps.Documents.GetReference(gctx, tr.SourceDocumentID)
		if err != nil {
			return &types.ExternalFetchError{Resource: "reference", ID: tr.SourceDocumentID, Err: err}
		}
		in.reference = d
		return nil
	})
	g.Go(func() error {
		a, err := o.deps.Artifacts.GetArtifact(gctx, tr.ArtifactID)
		if err != nil {
			return &types.ExternalFetchError{Resource: "artifact", ID: tr.ArtifactID, Err: err}
		}
		in.artifact = a
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if in.artifact.AuthorID != tr.AuthorID || in.artifact.SourceDocumentID != tr.SourceDocumentID {
		return nil, fmt.Errorf("%w: artifact %s belongs to author %q and document %q",
			types.ErrInvalidRequest, tr.ArtifactID, in.artifact.AuthorID, in.artifact.SourceDocumentID)
	}
	return &in, nil
}
