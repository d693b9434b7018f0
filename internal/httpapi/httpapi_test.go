package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/dannyavrs/encapure/internal/catalog"
	"github.com/dannyavrs/encapure/internal/search"
	"github.com/dannyavrs/encapure/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeReadiness lets tests toggle readiness without a real Manager.
type fakeReadiness struct{ ready bool }

func (f fakeReadiness) Ready() bool { return f.ready }

// stubBiEncoder and stubCrossEncoder satisfy search.BiEncoder and
// search.CrossEncoder with fixed responses, for exercising the HTTP
// layer without any ONNX dependency.
type stubBiEncoder struct{ vec []float32 }

func (s stubBiEncoder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return s.vec, nil
}

type stubCrossEncoder struct{ score float32 }

func (s stubCrossEncoder) Score(ctx context.Context, query string, docs []string) ([]float32, error) {
	scores := make([]float32, len(docs))
	for i := range scores {
		scores[i] = s.score
	}
	return scores, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Tool{
		{Name: "send_message", Description: "Sends a chat message to a user"},
		{Name: "list_files", Description: "Lists files in a directory"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func TestHealthAlwaysOK(t *testing.T) {
	orch := &search.Orchestrator{Catalog: testCatalog(t)}
	router := NewRouter(orch, fakeReadiness{ready: false})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", w.Code)
	}
}

func TestReadyReflectsReadiness(t *testing.T) {
	orch := &search.Orchestrator{Catalog: testCatalog(t)}

	notReady := NewRouter(orch, fakeReadiness{ready: false})
	w := httptest.NewRecorder()
	notReady.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /ready (not ready) = %d, want 503", w.Code)
	}

	ready := NewRouter(orch, fakeReadiness{ready: true})
	w = httptest.NewRecorder()
	ready.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /ready (ready) = %d, want 200", w.Code)
	}
}

func TestReadyWithNilReadiness(t *testing.T) {
	orch := &search.Orchestrator{Catalog: testCatalog(t)}
	router := NewRouter(orch, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /ready (nil readiness) = %d, want 503", w.Code)
	}
}

func TestSearchRejectsMissingBody(t *testing.T) {
	orch := &search.Orchestrator{Catalog: testCatalog(t)}
	router := NewRouter(orch, fakeReadiness{ready: true})

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST /search with empty body = %d, want 400", w.Code)
	}
}

func TestSearchHappyPath(t *testing.T) {
	cat := testCatalog(t)
	tbl, err := store.Build(cat, func(texts []string) ([][]float32, error) {
		vecs := make([][]float32, len(texts))
		for i := range texts {
			vecs[i] = []float32{1, 0}
		}
		return vecs, nil
	})
	if err != nil {
		t.Fatalf("store.Build: %v", err)
	}

	orch := &search.Orchestrator{
		Catalog:      cat,
		BiEncoder:    stubBiEncoder{vec: []float32{1, 0}},
		CrossEncoder: stubCrossEncoder{score: 0.9},
		Store:        tbl,
	}
	router := NewRouter(orch, fakeReadiness{ready: true})

	body, _ := json.Marshal(map[string]any{"query": "send a message", "top_k": 1})
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("POST /search = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Results))
	}
}

func TestSearchRejectsTopKOutOfRange(t *testing.T) {
	cat := testCatalog(t)
	orch := &search.Orchestrator{
		Catalog:      cat,
		BiEncoder:    stubBiEncoder{vec: []float32{1, 0}},
		CrossEncoder: stubCrossEncoder{score: 0.5},
	}
	router := NewRouter(orch, fakeReadiness{ready: true})

	body, _ := json.Marshal(map[string]any{"query": "x", "top_k": 0})
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST /search with top_k=0 = %d, want 400", w.Code)
	}
}

func TestRerankRejectsTooManyDocuments(t *testing.T) {
	orch := &search.Orchestrator{Catalog: testCatalog(t)}
	router := NewRouter(orch, fakeReadiness{ready: true})

	docs := make([]string, MaxDocuments+1)
	for i := range docs {
		docs[i] = "doc"
	}
	body, _ := json.Marshal(map[string]any{"query": "x", "documents": docs})
	req := httptest.NewRequest(http.MethodPost, "/rerank", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST /rerank over the document cap = %d, want 400", w.Code)
	}
}

func TestRerankHappyPath(t *testing.T) {
	orch := &search.Orchestrator{
		Catalog:      testCatalog(t),
		CrossEncoder: stubCrossEncoder{score: 0.7},
	}
	router := NewRouter(orch, fakeReadiness{ready: true})

	body, _ := json.Marshal(map[string]any{"query": "x", "documents": []string{"a", "b"}})
	req := httptest.NewRequest(http.MethodPost, "/rerank", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("POST /rerank = %d, body %s", w.Code, w.Body.String())
	}
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	orch := &search.Orchestrator{Catalog: testCatalog(t)}
	router := NewRouter(orch, fakeReadiness{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
}
