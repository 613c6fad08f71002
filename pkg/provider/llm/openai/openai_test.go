package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/redraft/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		msg, err := convertMessage(llm.Message{Role: role, Content: "Pt c/o chest pain."})
		if err != nil {
			t.Fatalf("convertMessage(%q): %v", role, err)
		}
		var set bool
		switch role {
		case llm.RoleSystem:
			set = msg.OfSystem != nil
		case llm.RoleUser:
			set = msg.OfUser != nil
		case llm.RoleAssistant:
			set = msg.OfAssistant != nil
		}
		if !set {
			t.Errorf("convertMessage(%q) did not set the matching union member", role)
		}
	}

	if _, err := convertMessage(llm.Message{Role: "tool"}); err == nil {
		t.Error("convertMessage(tool): expected error")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o-mini", seed: 7}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You rewrite dictated notes.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Pt c/o SOB."}},
		MaxTokens:    512,
		Temperature:  0.2,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if got := len(params.Messages); got != 2 {
		t.Fatalf("messages = %d, want 2", got)
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("system prompt should be the first message")
	}
	if got := params.MaxCompletionTokens.Value; got != 512 {
		t.Errorf("MaxCompletionTokens = %d, want 512", got)
	}
	if got := params.Temperature.Value; got != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", got)
	}
	if got := params.Seed.Value; got != 7 {
		t.Errorf("Seed = %d, want 7", got)
	}
}

func TestBuildParams_Rejects(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "gpt-4o"}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("empty request: expected error")
	}
	_, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "a"}, {Role: "tool", Content: "b"}}})
	if err == nil || !strings.Contains(err.Error(), "message 1") {
		t.Errorf("err = %v, want it to name message 1", err)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"gpt-4.1-mini":  32_768,
		"GPT-4o":        16_384,
		"gpt-4":         4_096,
		"o1-mini":       65_536,
		"o3-mini":       100_000,
		"unknown-model": 4_096,
	}
	for model, want := range cases {
		if got := modelCapabilities(model).MaxOutputTokens; got != want {
			t.Errorf("modelCapabilities(%q).MaxOutputTokens = %d, want %d", model, got, want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New("", "")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"api key", "model"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Patient reports shortness of breath."}}],
			"usage":{"prompt_tokens":12,"completion_tokens":6,"total_tokens":18}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL), WithMaxRetries(1), WithSeed(42))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Pt reports SOB."}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Patient reports shortness of breath." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" || resp.Usage.TotalTokens != 18 {
		t.Errorf("finish = %q, total tokens = %d, want stop and 18", resp.FinishReason, resp.Usage.TotalTokens)
	}
	if !strings.Contains(body, `"seed":42`) {
		t.Errorf("request body %s does not carry the seed", body)
	}
}
