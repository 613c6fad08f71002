package generation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/redraft/internal/agent"
	"github.com/MrWong99/redraft/internal/draftctx"
	"github.com/MrWong99/redraft/internal/events"
	"github.com/MrWong99/redraft/internal/generation"
	"github.com/MrWong99/redraft/internal/observe"
	corpusmock "github.com/MrWong99/redraft/pkg/corpus/mock"
	llmmock "github.com/MrWong99/redraft/pkg/provider/llm/mock"
	"github.com/MrWong99/redraft/pkg/store/memstore"
	"github.com/MrWong99/redraft/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

type publisher struct {
	mu   sync.Mutex
	envs []events.Envelope
	err  error
}

func (p *publisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *publisher) published() []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Envelope(nil), p.envs...)
}

func newCorpus() *corpusmock.Corpus {
	return &corpusmock.Corpus{
		Authors: map[string]types.Author{
			"dr-lee": {ID: "dr-lee", Name: "Dr. Lee", CurrentTier: types.TierHighTouch},
		},
		Documents: map[string]types.Document{
			"d1": {ID: "d1", AuthorID: "dr-lee", Text: "Pt c/o chest pain. Hx of diabetis."},
		},
		Patterns: map[string][]types.CorrectionPattern{
			"dr-lee": {{Original: "diabetis", Corrected: "diabetes", Category: "spelling", Frequency: 5}},
		},
	}
}

type fixture struct {
	orch   *generation.Orchestrator
	store  *memstore.Store
	corpus *corpusmock.Corpus
	llm    *llmmock.Provider
	pub    *publisher
}

func newFixture(t *testing.T, replies []llmmock.Reply, opts ...generation.Option) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		store:  memstore.New(),
		corpus: newCorpus(),
		llm:    &llmmock.Provider{Responses: replies},
		pub:    &publisher{},
	}
	a, err := agent.New(f.llm)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	var n atomic.Int64
	opts = append([]generation.Option{
		generation.WithMetrics(met),
		generation.WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}, opts...)
	f.orch, err = generation.New(f.store, draftctx.New(f.corpus), a, f.pub, opts...)
	if err != nil {
		t.Fatalf("generation.New: %v", err)
	}
	return f
}

func request() types.GenerateRequest {
	return types.GenerateRequest{AuthorID: "dr-lee", SourceDocumentID: "d1"}
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := generation.New(nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"session store", "context assembler", "runner", "event publisher"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []llmmock.Reply{{Content: "Patient complains of chest pain. History of diabetes."}})

	art, err := f.orch.Generate(context.Background(), request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if art.Text != "Patient complains of chest pain. History of diabetes." {
		t.Errorf("text = %q", art.Text)
	}
	if art.Confidence != agent.ConfidenceDraftOnly {
		t.Errorf("confidence = %v, want %v", art.Confidence, agent.ConfidenceDraftOnly)
	}

	sess, err := f.store.GetSession(context.Background(), art.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != types.SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if sess.ArtifactID != art.ID {
		t.Errorf("artifact id = %q, want %q", sess.ArtifactID, art.ID)
	}
	if sess.Context == nil || sess.Context.Source.ID != "d1" {
		t.Errorf("session context not recorded: %+v", sess.Context)
	}
	if len(sess.Steps) != 3 {
		t.Errorf("steps = %d, want 3", len(sess.Steps))
	}

	stored, err := f.store.GetArtifact(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if stored.Text != art.Text {
		t.Errorf("stored text = %q", stored.Text)
	}

	envs := f.pub.published()
	if len(envs) != 1 || envs[0].Topic != events.TopicArtifactGenerated || envs[0].Key != art.ID {
		t.Fatalf("published = %+v", envs)
	}
	ev, err := events.Decode[events.ArtifactGenerated](envs[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := events.ArtifactGenerated{AuthorID: "dr-lee", SourceDocumentID: "d1", ArtifactID: art.ID, SessionID: art.SessionID}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}
}

func TestGenerate_WithRefinement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []llmmock.Reply{
		{Content: "Patient c/o chest pain."},
		{Content: "The abbreviation c/o is unclear and should be expanded."},
		{Content: "Patient complains of chest pain."},
	})
	req := request()
	req.Options.UseMultiStepCritique = true

	art, err := f.orch.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if art.Text != "Patient complains of chest pain." || !art.Metadata.Refined {
		t.Errorf("artifact = %+v", art)
	}
	sess, _ := f.store.GetSession(context.Background(), art.SessionID)
	if got := sess.Steps[len(sess.Steps)-1].Step; got != types.StepRefinement {
		t.Errorf("last step = %q, want refinement", got)
	}
}

func TestGenerate_MissingSourceNeverStarts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := request()
	req.SourceDocumentID = "nope"

	_, err := f.orch.Generate(context.Background(), req)
	if !errors.Is(err, types.ErrContextIncomplete) {
		t.Fatalf("got %v, want ErrContextIncomplete", err)
	}

	sess, err := f.store.GetSession(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != types.SessionFailed {
		t.Errorf("status = %q, want failed", sess.Status)
	}
	if sess.Context != nil {
		t.Error("session recorded a context although aggregation failed")
	}
	if sess.FailedStep != types.StepContextAnalysis {
		t.Errorf("failed step = %q, want context_analysis", sess.FailedStep)
	}
	if len(f.llm.Calls()) != 0 {
		t.Error("model invoked without context")
	}
	if len(f.pub.published()) != 0 {
		t.Error("event published for a failed session")
	}
}

func TestGenerate_AuthorLookupFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.corpus.GetAuthorErr = errors.New("directory offline")

	_, err := f.orch.Generate(context.Background(), request())
	if !errors.Is(err, types.ErrExternalFetch) {
		t.Fatalf("got %v, want ErrExternalFetch", err)
	}
}

func TestGenerate_DraftFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []llmmock.Reply{{Err: errors.New("model overloaded")}})
	req := request()
	req.Options.UseMultiStepCritique = true

	_, err := f.orch.Generate(context.Background(), req)
	var gfe *types.GenerationFailedError
	if !errors.As(err, &gfe) {
		t.Fatalf("got %v, want *GenerationFailedError", err)
	}
	if gfe.Step != types.StepDraftGeneration {
		t.Errorf("failed step = %q, want draft_generation", gfe.Step)
	}

	sess, _ := f.store.GetSession(context.Background(), gfe.SessionID)
	if sess.Status != types.SessionFailed || sess.FailedStep != types.StepDraftGeneration {
		t.Errorf("session = %s/%s, want failed/draft_generation", sess.Status, sess.FailedStep)
	}
	if !strings.Contains(sess.Error, "model overloaded") {
		t.Errorf("session error = %q", sess.Error)
	}
	errorSteps := 0
	for _, s := range sess.Steps {
		if s.Status == types.StepError {
			errorSteps++
		}
		if s.Step == types.StepSelfCritique || s.Step == types.StepRefinement {
			t.Errorf("step %q logged after a failed draft", s.Step)
		}
	}
	if errorSteps != 1 {
		t.Errorf("error entries = %d, want 1", errorSteps)
	}
	if len(f.pub.published()) != 0 {
		t.Error("event published for a failed session")
	}
}

func TestGenerate_InvalidRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.orch.Generate(context.Background(), types.GenerateRequest{AuthorID: " "})
	if !errors.Is(err, types.ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
	if _, err := f.store.GetSession(context.Background(), "id-1"); !errors.Is(err, types.ErrNotFound) {
		t.Error("session created for an invalid request")
	}
}

func TestGenerate_PublishFailureKeepsArtifact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []llmmock.Reply{{Content: "Patient has chest pain."}})
	f.pub.err = errors.New("bus down")

	art, err := f.orch.Generate(context.Background(), request())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sess, _ := f.store.GetSession(context.Background(), art.SessionID)
	if sess.Status != types.SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
}

func TestGenerate_CancelledRunEndsFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.corpus.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.orch.Generate(ctx, request()); err == nil {
		t.Fatal("expected error")
	}

	sess, err := f.store.GetSession(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != types.SessionFailed {
		t.Errorf("status = %q, want failed", sess.Status)
	}
}

func TestStart_RunsInBackground(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []llmmock.Reply{{Content: "Patient has chest pain."}})

	id, err := f.orch.Start(context.Background(), request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	f.orch.Wait()

	sess, err := f.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != types.SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if len(f.pub.published()) != 1 {
		t.Errorf("published = %d, want 1", len(f.pub.published()))
	}
}

func TestStart_SurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []llmmock.Reply{{Content: "Patient has chest pain."}})
	f.corpus.Delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	id, err := f.orch.Start(ctx, request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	f.orch.Wait()

	sess, _ := f.store.GetSession(context.Background(), id)
	if sess.Status != types.SessionCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, _ agent.Input, _ agent.Observer) (*agent.Output, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-r.release:
		return &agent.Output{Text: "done", WordCount: 1, Confidence: agent.ConfidenceDraftOnly}, nil
	case <-ctx.Done():
		return nil, &agent.StepError{Step: types.StepDraftGeneration, Err: ctx.Err()}
	}
}

func TestStart_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	r := &blockingRunner{release: make(chan struct{})}
	orch, err := generation.New(st, draftctx.New(newCorpus()), r, &publisher{}, generation.WithMaxConcurrent(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 5 {
		if _, err := orch.Start(context.Background(), request()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(r.release)
	orch.Wait()

	if got := r.peak.Load(); got != 2 {
		t.Errorf("peak concurrency = %d, want 2", got)
	}
}

func TestShutdown_CancelsStragglers(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	r := &blockingRunner{release: make(chan struct{})}
	orch, err := generation.New(st, draftctx.New(newCorpus()), r, &publisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := orch.Start(context.Background(), request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.active.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := orch.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}

	sess, _ := st.GetSession(context.Background(), id)
	if sess.Status != types.SessionFailed {
		t.Errorf("status = %q, want failed", sess.Status)
	}
	if _, err := orch.Start(context.Background(), request()); !errors.Is(err, generation.ErrShuttingDown) {
		t.Errorf("Start after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestShutdown_WaitsForRacingStarts(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	r := &blockingRunner{release: make(chan struct{})}
	close(r.release)
	orch, err := generation.New(st, draftctx.New(newCorpus()), r, &publisher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := orch.Start(context.Background(), request())
			if err != nil {
				if !errors.Is(err, generation.ErrShuttingDown) {
					t.Errorf("Start = %v, want nil or ErrShuttingDown", err)
				}
				return
			}
			mu.Lock()
			accepted = append(accepted, id)
			mu.Unlock()
		}()
	}
	if err := orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()

	// Every accepted run finished before Shutdown returned.
	mu.Lock()
	defer mu.Unlock()
	for _, id := range accepted {
		sess, err := st.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSession(%s): %v", id, err)
		}
		if sess.Status != types.SessionCompleted {
			t.Errorf("session %s status = %q, want completed", id, sess.Status)
		}
	}
}
