// Package app wires all redraft subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithCorpus,
// WithStore, WithListener, ...). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/redraft/internal/agent"
	"github.com/MrWong99/redraft/internal/api"
	"github.com/MrWong99/redraft/internal/compare"
	"github.com/MrWong99/redraft/internal/config"
	"github.com/MrWong99/redraft/internal/draftctx"
	"github.com/MrWong99/redraft/internal/evaluation"
	"github.com/MrWong99/redraft/internal/events"
	"github.com/MrWong99/redraft/internal/generation"
	"github.com/MrWong99/redraft/internal/health"
	"github.com/MrWong99/redraft/internal/notify"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/internal/tiering"
	"github.com/MrWong99/redraft/pkg/corpus"
	corpusmem "github.com/MrWong99/redraft/pkg/corpus/memstore"
	corpuspg "github.com/MrWong99/redraft/pkg/corpus/postgres"
	"github.com/MrWong99/redraft/pkg/provider/embeddings"
	"github.com/MrWong99/redraft/pkg/provider/llm"
	"github.com/MrWong99/redraft/pkg/store"
	storemem "github.com/MrWong99/redraft/pkg/store/memstore"
	storepg "github.com/MrWong99/redraft/pkg/store/postgres"
)

// ErrNoLLM fails every generation when no LLM provider is configured.
var ErrNoLLM = errors.New("app: no llm provider configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel       *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	pool       *pgxpool.Pool
	corpus     corpus.Corpus
	backfill   *corpuspg.Store
	store      store.Store
	bus        events.Bus
	scheduler  *events.Scheduler
	classifier *tiering.Classifier
	generator  *generation.Orchestrator
	evaluator  *evaluation.Orchestrator
	server     *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCorpus injects a corpus instead of creating one from config.
func WithCorpus(c corpus.Corpus) Option {
	return func(a *App) { a.corpus = c }
}

// WithStore injects the session, artifact and evaluation store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogLevel lets [App.ApplyConfig] change the process log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the Prometheus handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: database connection and
// migration, corpus seeding, event transport setup and HTTP routing. On
// error every subsystem created so far is closed.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	// ── 1. Database ──────────────────────────────────────────────────────
	if err := a.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("app: init database: %w", err)
	}

	// ── 2. Corpus ────────────────────────────────────────────────────────
	if err := a.initCorpus(ctx); err != nil {
		return nil, fmt.Errorf("app: init corpus: %w", err)
	}

	// ── 3. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Events ────────────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 5. Evaluation loop ───────────────────────────────────────────────
	if err := a.initEvaluation(); err != nil {
		return nil, fmt.Errorf("app: init evaluation: %w", err)
	}

	// ── 6. Generation ────────────────────────────────────────────────────
	if err := a.initGeneration(); err != nil {
		return nil, fmt.Errorf("app: init generation: %w", err)
	}

	// ── 7. Notifications ─────────────────────────────────────────────────
	if err := a.initNotify(); err != nil {
		return nil, fmt.Errorf("app: init notify: %w", err)
	}

	// ── 8. HTTP API ──────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDatabase opens the Postgres pool when a DSN is configured and nothing
// that needs it was injected.
func (a *App) initDatabase(ctx context.Context) error {
	dsn := a.cfg.Database.PostgresDSN
	needed := a.corpus == nil || a.store == nil || a.cfg.Events.Transport == config.TransportOutbox
	if dsn == "" || !needed {
		return nil
	}
	pool, err := storepg.Connect(ctx, dsn, a.cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	return nil
}

// initCorpus selects the Postgres corpus or an in-memory one loaded from the
// seed file.
func (a *App) initCorpus(ctx context.Context) error {
	if a.corpus != nil {
		return nil
	}
	if a.pool != nil {
		pg := corpuspg.New(a.pool)
		if a.cfg.Database.Migrate {
			if err := pg.Migrate(ctx, a.cfg.Database.EmbeddingDimensions); err != nil {
				return err
			}
		}
		a.corpus = pg
		a.backfill = pg
		return nil
	}

	mem := corpusmem.New(a.providers.Embeddings)
	if path := a.cfg.Database.SeedFile; path != "" {
		if err := mem.LoadSeedFile(ctx, path); err != nil {
			return err
		}
		slog.Info("loaded corpus seed", "path", path)
	}
	a.corpus = mem
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.pool == nil {
		a.store = storemem.New()
		return nil
	}
	pg := storepg.New(a.pool)
	if a.cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}
	a.store = pg
	return nil
}

// initEvents builds the bus and the scheduler that drives the outbox and the
// embedding backfill.
func (a *App) initEvents(ctx context.Context) error {
	ec := a.cfg.Events
	a.scheduler = events.NewScheduler(time.Minute)

	switch ec.Transport {
	case config.TransportOutbox:
		if a.pool == nil {
			return errors.New("outbox transport requires database.postgres_dsn")
		}
		ob := events.NewOutbox(a.pool,
			events.WithBatchSize(ec.BatchSize),
			events.WithOutboxRetry(ec.MaxAttempts, ec.BackoffBase, ec.BackoffMax),
			events.WithOutboxMetrics(a.metrics),
		)
		if a.cfg.Database.Migrate {
			if err := ob.Migrate(ctx); err != nil {
				return err
			}
		}
		if err := a.scheduler.Add("outbox-dispatch", ec.DispatchSchedule, func(ctx context.Context) error {
			_, err := ob.Dispatch(ctx)
			return err
		}); err != nil {
			return err
		}
		if err := a.scheduler.Add("outbox-prune", ec.PruneSchedule, func(ctx context.Context) error {
			n, err := ob.Prune(ctx, ec.Retention)
			if n > 0 {
				slog.Debug("pruned delivered events", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
		a.bus = ob

	default:
		mb := events.NewMemoryBus(
			events.WithMaxAttempts(ec.MaxAttempts),
			events.WithBackoff(ec.BackoffBase, ec.BackoffMax),
			events.WithMemoryMetrics(a.metrics),
		)
		a.bus = mb
		a.closers = append(a.closers, mb.Close)
	}

	if ec.BackfillSchedule != "" && a.backfill != nil && a.providers.Embeddings != nil {
		pg, emb := a.backfill, a.providers.Embeddings
		if err := a.scheduler.Add("embedding-backfill", ec.BackfillSchedule, func(ctx context.Context) error {
			n, err := pg.BackfillEmbeddings(ctx, emb, ec.BatchSize)
			if n > 0 {
				slog.Info("backfilled document embeddings", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initEvaluation() error {
	th, err := a.cfg.Tiering.Array()
	if err != nil {
		return err
	}
	classifier, err := tiering.New(tiering.Thresholds(th))
	if err != nil {
		return err
	}
	a.classifier = classifier

	cc := a.cfg.Comparison
	comparer, err := compare.New(a.providers.Embeddings,
		compare.WithCacheSize(cc.CacheSize),
		compare.WithFallbackSimilarity(*cc.FallbackSimilarity),
		compare.WithEmbedTimeout(cc.EmbedTimeout),
		compare.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.evaluator, err = evaluation.New(evaluation.Deps{
		Authors:     a.corpus,
		Documents:   a.corpus,
		Artifacts:   a.store,
		Evaluations: a.store,
		Comparer:    comparer,
		Classifier:  classifier,
		Publisher:   a.bus,
	},
		evaluation.WithFetchTimeout(a.cfg.Evaluation.FetchTimeout),
		evaluation.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.evaluator.Subscribe(a.bus)
	return nil
}

func (a *App) initGeneration() error {
	gc := a.cfg.Generation
	aggregator := draftctx.New(a.corpus,
		draftctx.WithMaxPatterns(gc.MaxPatterns),
		draftctx.WithMaxExamples(gc.MaxExamples),
		draftctx.WithFetchTimeout(gc.FetchTimeout),
		draftctx.WithExampleTokenBudget(gc.ExampleTokenBudget),
	)

	var runner generation.Runner = noLLMRunner{}
	if a.providers.LLM != nil {
		var matcherOpts []agent.MatcherOption
		if gc.PhoneticThreshold > 0 {
			matcherOpts = append(matcherOpts, agent.WithPhoneticThreshold(gc.PhoneticThreshold))
		}
		if gc.FuzzyThreshold > 0 {
			matcherOpts = append(matcherOpts, agent.WithFuzzyThreshold(gc.FuzzyThreshold))
		}
		agentOpts := []agent.Option{
			agent.WithPatternMatcher(agent.NewPatternMatcher(matcherOpts...)),
			agent.WithCallTimeout(gc.LLMTimeout),
			agent.WithTemperature(gc.Temperature),
		}
		if len(gc.CritiqueKeywords) > 0 {
			agentOpts = append(agentOpts, agent.WithClassifier(agent.NewKeywordClassifier(gc.CritiqueKeywords...)))
		}
		if gc.MaxTokens > 0 {
			agentOpts = append(agentOpts, agent.WithMaxTokens(gc.MaxTokens))
		}
		ag, err := agent.New(a.providers.LLM, agentOpts...)
		if err != nil {
			return err
		}
		runner = ag
	} else {
		slog.Warn("no llm provider configured; generation requests will fail")
	}

	gen, err := generation.New(a.store, aggregator, runner, a.bus,
		generation.WithMaxConcurrent(gc.MaxConcurrent),
		generation.WithRunTimeout(gc.Timeout),
		generation.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.generator = gen
	return nil
}

func (a *App) initNotify() error {
	sc := a.cfg.Notify.Slack
	if !sc.Enabled() {
		return nil
	}
	s, err := notify.NewSlack(sc.Token, sc.Channel)
	if err != nil {
		return err
	}
	s.Subscribe(a.bus)
	slog.Info("slack notifications enabled", "channel", sc.Channel)
	return nil
}

func (a *App) initServer() error {
	checkers := []health.Checker{
		health.Configured("llm", a.providers.LLM != nil, "providers.llm is not configured"),
	}
	if a.pool != nil {
		checkers = append(checkers, health.PingCheck("postgres", a.pool))
	}

	srv, err := api.New(a.generator, a.evaluator, a.store,
		api.WithHealth(health.New(checkers)),
		api.WithMetricsHandler(a.metricsHandler),
		api.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Thresholds returns the tier thresholds currently in effect.
func (a *App) Thresholds() tiering.Thresholds { return a.classifier.Thresholds() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the scheduler and serves the HTTP API. It blocks until ctx is
// cancelled or the server fails; on cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	l := a.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
	}

	a.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(l, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(l)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", l.Addr().String(), "transport", a.cfg.Events.Transport)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable differences between old and new:
// the log level and the tier thresholds. Other changes are logged as
// requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		if err := observe.SetLevel(a.logLevel, string(d.NewLogLevel)); err != nil {
			slog.Warn("config reload: log level not applied", "err", err)
		} else {
			slog.Info("config reload: log level changed", "level", d.NewLogLevel)
		}
	}
	if d.ThresholdsChanged {
		if err := a.classifier.SetThresholds(tiering.Thresholds(d.NewThresholds)); err != nil {
			slog.Warn("config reload: thresholds not applied", "err", err)
		} else {
			slog.Info("config reload: tier thresholds changed", "thresholds", d.NewThresholds)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, lets running generations and event
// deliveries finish, then closes the remaining subsystems. It respects the
// context deadline: once ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if a.generator != nil {
			if err := a.generator.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.scheduler != nil {
			if err := a.scheduler.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				return
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// noLLMRunner stands in for the agent when no LLM provider is configured.
type noLLMRunner struct{}

func (noLLMRunner) Run(context.Context, agent.Input, agent.Observer) (*agent.Output, error) {
	return nil, ErrNoLLM
}
