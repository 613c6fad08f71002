package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestModelDimensions(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"text-embedding-3-large": 3072,
		"text-embedding-3-small": 1536,
		"text-embedding-ada-002": 1536,
		"custom":                 1536,
	}
	for model, want := range cases {
		if got := modelDimensions(model); got != want {
			t.Errorf("modelDimensions(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
	p, err := New("sk-test", "", WithBatchSize(-1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID = %q, want %q", p.ModelID(), DefaultModel)
	}
	if p.batchSize != defaultBatchSize {
		t.Errorf("batchSize = %d, want %d", p.batchSize, defaultBatchSize)
	}

	short, _ := New("sk-test", "text-embedding-3-large", WithDimensions(256))
	if got := short.Dimensions(); got != 256 {
		t.Errorf("Dimensions = %d, want 256", got)
	}
}

// embeddingServer answers each request with one vector per input, listed in
// reverse index order. Vector i of a request is [offset+i].
type embeddingServer struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (s *embeddingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	offset := 0
	for _, prev := range s.requests {
		offset += len(prev["input"].([]any))
	}
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	inputs := req["input"].([]any)
	data := make([]map[string]any, 0, len(inputs))
	for i := len(inputs) - 1; i >= 0; i-- {
		data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": []float64{float64(offset + i)}})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"model":  req["model"],
		"data":   data,
		"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func TestEmbedBatch_ChunksAndOrders(t *testing.T) {
	t.Parallel()
	es := &embeddingServer{}
	srv := httptest.NewServer(es)
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL), WithBatchSize(2), WithDimensions(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(i) {
			t.Errorf("vecs[%d] = %v, want [%d]", i, v, i)
		}
	}
	if got := len(es.requests); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
	if got := es.requests[0]["dimensions"]; got != float64(1) {
		t.Errorf("dimensions = %v, want 1", got)
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&embeddingServer{})
	t.Cleanup(srv.Close)

	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	vec, err := p.Embed(context.Background(), "chest pain")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 1 {
		t.Errorf("vec = %v, want one component", vec)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "")
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}
