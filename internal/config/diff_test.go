package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/redraft/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := load(t, "providers:\n  llm:\n    name: openai\n")
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_Identical(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(t), baseConfig(t))
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(t), baseConfig(t)
	upd.Server.LogLevel = config.LogDebug

	d := config.Diff(old, upd)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v, want log level change to debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Thresholds(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(t), baseConfig(t)
	upd.Tiering.Thresholds = []float64{0.9, 0.8, 0.7, 0.6}

	d := config.Diff(old, upd)
	if !d.ThresholdsChanged {
		t.Fatal("ThresholdsChanged = false, want true")
	}
	if want := [4]float64{0.9, 0.8, 0.7, 0.6}; d.NewThresholds != want {
		t.Errorf("NewThresholds = %v, want %v", d.NewThresholds, want)
	}
	if d.Empty() {
		t.Error("Empty() = true, want false")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, upd := baseConfig(t), baseConfig(t)
	upd.Server.ListenAddr = ":9999"
	upd.Providers.LLM.Model = "gpt-4.1"
	upd.Events.BatchSize = 10
	upd.Notify.Slack = config.SlackConfig{Token: "xoxb", Channel: "C1"}

	d := config.Diff(old, upd)
	want := []string{"server", "providers", "events", "notify"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.ThresholdsChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
}
