// Command redraft serves the draft generation and evaluation API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/redraft/internal/app"
	"github.com/MrWong99/redraft/internal/config"
	"github.com/MrWong99/redraft/internal/observe"
	"github.com/MrWong99/redraft/internal/resilience"
	"github.com/MrWong99/redraft/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/redraft/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/redraft/pkg/provider/embeddings/openai"
	"github.com/MrWong99/redraft/pkg/provider/llm"
	"github.com/MrWong99/redraft/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/redraft/pkg/provider/llm/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and tier thresholds when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "redraft: config file %q not found, copy configs/redraft.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "redraft: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	handler, logLevel, err := observe.NewLogHandler(os.Stderr, string(cfg.Server.LogLevel), cfg.Server.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redraft: %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("redraft starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "redraft",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(logLevel),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders fills reg with a factory for every LLM and
// embeddings backend compiled into the binary. The dedicated OpenAI client
// serves "openai"; any-llm-go serves the remaining LLM vendors.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []oallm.Option{
			oallm.WithBaseURL(e.BaseURL),
			oallm.WithOrganization(optString(e.Options, "organization")),
			oallm.WithTimeout(e.Timeout),
			oallm.WithMaxRetries(optInt(e.Options, "max_retries")),
			oallm.WithSeed(int64(optInt(e.Options, "seed"))),
		}
		return oallm.New(e.APIKey, e.Model, opts...)
	})

	for _, vendor := range anyllm.Backends() {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(vendor, e.Model, opts...)
		})
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return oaembed.New(e.APIKey, e.Model,
			oaembed.WithBaseURL(e.BaseURL),
			oaembed.WithTimeout(e.Timeout),
			oaembed.WithDimensions(optInt(e.Options, "dimensions")),
			oaembed.WithBatchSize(optInt(e.Options, "batch_size")),
		)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{
			ollamaembed.WithTimeout(e.Timeout),
			ollamaembed.WithDimensions(optInt(e.Options, "dimensions")),
		}
		if ka := optString(e.Options, "keep_alive"); ka != "" {
			d, err := time.ParseDuration(ka)
			if err != nil {
				return nil, fmt.Errorf("ollama embeddings: keep_alive: %w", err)
			}
			opts = append(opts, ollamaembed.WithKeepAlive(d))
		}
		return ollamaembed.New(e.BaseURL, e.Model, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "embeddings", reg.EmbeddingsNames())
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// An entry with fallbacks is wrapped in a circuit-breaking fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	cb := cfg.Providers.CircuitBreaker
	fbCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cb.MaxFailures,
				ResetTimeout: cb.ResetTimeout,
				HalfOpenMax:  cb.HalfOpenMax,
			},
			Kind:    kind,
			Metrics: metrics,
		}
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			group := resilience.NewLLMFallback(p, entry.Name, fbCfg("llm"))
			for _, fe := range entry.Fallbacks {
				fp, err := reg.CreateLLM(fe)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", fe.Name, err)
				}
				group.AddFallback(fe.Name, fp)
			}
			p = group
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		if len(entry.Fallbacks) > 0 {
			group := resilience.NewEmbeddingsFallback(p, entry.Name, fbCfg("embeddings"))
			for _, fe := range entry.Fallbacks {
				fp, err := reg.CreateEmbeddings(fe)
				if err != nil {
					return nil, fmt.Errorf("create embeddings fallback %q: %w", fe.Name, err)
				}
				if err := group.AddFallback(fe.Name, fp); err != nil {
					return nil, err
				}
			}
			p = group
		}
		if dims := p.Dimensions(); cfg.Database.PostgresDSN != "" && dims != cfg.Database.EmbeddingDimensions {
			return nil, fmt.Errorf("embeddings provider %q produces %d dimensions, database.embedding_dimensions is %d",
				entry.Name, dims, cfg.Database.EmbeddingDimensions)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	storage := "memory"
	if cfg.Database.PostgresDSN != "" {
		storage = "postgres"
	}
	slack := "(disabled)"
	if cfg.Notify.Slack.Enabled() {
		slack = cfg.Notify.Slack.Channel
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        redraft startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printRow("Storage", storage)
	printRow("Events", string(cfg.Events.Transport))
	printRow("Slack", slack)
	printRow("Concurrency", fmt.Sprint(cfg.Generation.MaxConcurrent))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int; float64 is accepted for JSON-shaped input.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
