package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names known per kind. [Validate]
// warns about others, which may still be registered by the embedder.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown keys, then applies
// defaults and validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg after defaults were applied. Hard problems are
// returned as one joined error; soft ones are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if f := cfg.Server.LogFormat; f != "json" && f != "text" {
		add("server.log_format %q is invalid; valid values: json, text", f)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls requires both cert_file and key_file")
	}

	// Providers
	errs = append(errs, validateEntry("providers.llm", "llm", cfg.Providers.LLM)...)
	errs = append(errs, validateEntry("providers.embeddings", "embeddings", cfg.Providers.Embeddings)...)
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; generations will fail and /readyz reports not ready")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; semantic similarity uses the fallback value",
			"fallback_similarity", *cfg.Comparison.FallbackSimilarity)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		add("providers.circuit_breaker values must not be negative")
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; sessions and evaluations are kept in memory")
		if cfg.Database.SeedFile == "" {
			slog.Warn("database.seed_file is empty; the in-memory corpus starts empty")
		}
	}
	if cfg.Database.MaxConns < 1 {
		add("database.max_conns must be positive, got %d", cfg.Database.MaxConns)
	}
	if cfg.Database.EmbeddingDimensions < 1 {
		add("database.embedding_dimensions must be positive, got %d", cfg.Database.EmbeddingDimensions)
	}

	// Generation
	g := cfg.Generation
	if g.MaxConcurrent < 1 {
		add("generation.max_concurrent must be positive, got %d", g.MaxConcurrent)
	}
	for name, d := range map[string]time.Duration{"timeout": g.Timeout, "llm_timeout": g.LLMTimeout, "fetch_timeout": g.FetchTimeout} {
		if d <= 0 {
			add("generation.%s must be positive", name)
		}
	}
	if g.LLMTimeout > g.Timeout {
		slog.Warn("generation.llm_timeout exceeds generation.timeout", "llm_timeout", g.LLMTimeout, "timeout", g.Timeout)
	}
	if g.MaxTokens < 0 {
		add("generation.max_tokens must not be negative")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		add("generation.temperature %.2f is out of range [0, 2]", g.Temperature)
	}
	if g.MaxExamples < 0 {
		add("generation.max_examples must not be negative")
	}
	if g.PhoneticThreshold < 0 || g.PhoneticThreshold > 1 {
		add("generation.phonetic_threshold %.2f is out of range [0, 1]", g.PhoneticThreshold)
	}
	if g.FuzzyThreshold < 0 || g.FuzzyThreshold > 1 {
		add("generation.fuzzy_threshold %.2f is out of range [0, 1]", g.FuzzyThreshold)
	}

	// Comparison
	if v := *cfg.Comparison.FallbackSimilarity; v < 0 || v > 1 {
		add("comparison.fallback_similarity %.2f is out of range [0, 1]", v)
	}
	if cfg.Comparison.CacheSize < 1 {
		add("comparison.cache_size must be positive, got %d", cfg.Comparison.CacheSize)
	}

	// Tiering
	if _, err := cfg.Tiering.Array(); err != nil {
		errs = append(errs, err)
	}

	// Events
	e := cfg.Events
	if !e.Transport.IsValid() {
		add("events.transport %q is invalid; valid values: memory, outbox", e.Transport)
	}
	if e.Transport == TransportOutbox && cfg.Database.PostgresDSN == "" {
		add("events.transport outbox requires database.postgres_dsn")
	}
	if e.MaxAttempts < 1 {
		add("events.max_attempts must be positive, got %d", e.MaxAttempts)
	}
	if e.BackoffMax < e.BackoffBase {
		add("events.backoff_max (%s) must not be below events.backoff_base (%s)", e.BackoffMax, e.BackoffBase)
	}
	if e.BackfillSchedule != "" && cfg.Database.PostgresDSN == "" {
		slog.Warn("events.backfill_schedule is ignored without database.postgres_dsn")
	}

	// Notify
	if s := cfg.Notify.Slack; (s.Token == "") != (s.Channel == "") {
		add("notify.slack requires both token and channel")
	}

	return errors.Join(errs...)
}

// validateEntry checks one provider entry and its fallbacks.
func validateEntry(path, kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		if len(e.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks require %s.name", path, path))
		}
		return errs
	}
	warnUnknownProvider(kind, e.Name)
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", path))
	}
	for i, fb := range e.Fallbacks {
		fp := fmt.Sprintf("%s.fallbacks[%d]", path, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", fp))
			continue
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s cannot declare fallbacks", fp))
		}
		warnUnknownProvider(kind, fb.Name)
	}
	return errs
}

func warnUnknownProvider(kind, name string) {
	known := ValidProviderNames[kind]
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind, "name", name, "known", known)
}

// Array returns the thresholds as a fixed array of four strictly decreasing
// values within [0, 1].
func (t TieringConfig) Array() ([4]float64, error) {
	var out [4]float64
	if len(t.Thresholds) != len(out) {
		return out, fmt.Errorf("tiering.thresholds must hold %d values, got %d", len(out), len(t.Thresholds))
	}
	var errs []error
	for i, v := range t.Thresholds {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("tiering.thresholds[%d] %g is out of range [0, 1]", i, v))
		}
		if i > 0 && v >= t.Thresholds[i-1] {
			errs = append(errs, fmt.Errorf("tiering.thresholds[%d] %g must be below tiering.thresholds[%d] %g", i, v, i-1, t.Thresholds[i-1]))
		}
		out[i] = v
	}
	return out, errors.Join(errs...)
}
