package search

import (
	"context"
	"errors"
	"testing"

	"github.com/dannyavrs/encapure/internal/catalog"
	"github.com/dannyavrs/encapure/internal/store"
)

type fakeBiEncoder struct {
	vec []float32
	err error
}

func (f *fakeBiEncoder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

type fakeStore struct {
	results []store.Result
	err     error
}

func (f *fakeStore) TopN(query []float32, n int) ([]store.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.results) {
		return f.results[:n], nil
	}
	return f.results, nil
}

// fakeCrossEncoder scores docs by a caller-supplied lookup keyed on
// document text, so tests can control rank order precisely.
type fakeCrossEncoder struct {
	byDoc map[string]float32
	err   error
}

func (f *fakeCrossEncoder) Score(ctx context.Context, query string, docs []string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(docs))
	for i, d := range docs {
		out[i] = f.byDoc[d]
	}
	return out, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Tool{
		{Name: "send_message", Description: "post a message to a channel"},
		{Name: "send_email", Description: "send an email"},
		{Name: "list_files", Description: "enumerate files"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func TestAugmentedQuery(t *testing.T) {
	if got := AugmentedQuery("hello", ""); got != "hello" {
		t.Errorf("AugmentedQuery with empty context = %q, want %q", got, "hello")
	}
	want := "Agent Context: Slack bot. Query: send a message"
	if got := AugmentedQuery("send a message", "Slack bot"); got != want {
		t.Errorf("AugmentedQuery = %q, want %q", got, want)
	}
}

func TestSearchOrdersByCrossEncoderScoreDescending(t *testing.T) {
	c := testCatalog(t)
	o := &Orchestrator{
		Catalog:   c,
		BiEncoder: &fakeBiEncoder{vec: []float32{1, 0}},
		Store: &fakeStore{results: []store.Result{
			{Index: 0, Score: 0.9},
			{Index: 1, Score: 0.5},
			{Index: 2, Score: 0.4},
		}},
		CrossEncoder: &fakeCrossEncoder{byDoc: map[string]float32{
			"send_message: post a message to a channel": 0.3,
			"send_email: send an email":                 0.95,
			"list_files: enumerate files":                0.1,
		}},
	}

	results, err := o.Search(context.Background(), "send a message", 2, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Name != "send_email" {
		t.Errorf("results[0].Name = %q, want send_email (highest cross-encoder score)", results[0].Name)
	}
	if results[1].Name != "send_message" {
		t.Errorf("results[1].Name = %q, want send_message", results[1].Name)
	}
}

func TestSearchTieBreaksOnBiEncoderScore(t *testing.T) {
	c := testCatalog(t)
	o := &Orchestrator{
		Catalog:   c,
		BiEncoder: &fakeBiEncoder{vec: []float32{1, 0}},
		Store: &fakeStore{results: []store.Result{
			{Index: 0, Score: 0.3},
			{Index: 1, Score: 0.8},
		}},
		CrossEncoder: &fakeCrossEncoder{byDoc: map[string]float32{
			"send_message: post a message to a channel": 0.5,
			"send_email: send an email":                 0.5, // tie on cross-encoder score
		}},
	}

	results, err := o.Search(context.Background(), "q", 2, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// cross-encoder scores tie; higher bi-encoder score (send_email, 0.8) wins.
	if results[0].Name != "send_email" {
		t.Errorf("results[0].Name = %q, want send_email (tie-break on bi-encoder score)", results[0].Name)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	o := &Orchestrator{Catalog: testCatalog(t)}
	if _, err := o.Search(context.Background(), "", 1, ""); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchRejectsTopKOutOfRange(t *testing.T) {
	o := &Orchestrator{Catalog: testCatalog(t)}
	if _, err := o.Search(context.Background(), "q", 0, ""); err == nil {
		t.Fatal("expected error for top_k=0")
	}
	if _, err := o.Search(context.Background(), "q", 101, ""); err == nil {
		t.Fatal("expected error for top_k=101")
	}
}

func TestSearchPropagatesStoreErrorWithoutPartialResult(t *testing.T) {
	boom := errors.New("store boom")
	o := &Orchestrator{
		Catalog:   testCatalog(t),
		BiEncoder: &fakeBiEncoder{vec: []float32{1, 0}},
		Store:     &fakeStore{err: boom},
	}
	_, err := o.Search(context.Background(), "q", 1, "")
	if !errors.Is(err, boom) {
		t.Fatalf("Search error = %v, want wrapping %v", err, boom)
	}
}

func TestRerankPreservesCallerIndices(t *testing.T) {
	o := &Orchestrator{
		CrossEncoder: &fakeCrossEncoder{byDoc: map[string]float32{
			"a": 0.1,
			"b": 0.9,
			"c": 0.5,
		}},
	}
	results, err := o.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if results[0].Index != 1 || results[1].Index != 2 || results[2].Index != 0 {
		t.Fatalf("Rerank order = %+v, want indices [1,2,0]", results)
	}
}

func TestRerankRejectsEmptyDocuments(t *testing.T) {
	o := &Orchestrator{}
	if _, err := o.Rerank(context.Background(), "q", nil); err == nil {
		t.Fatal("expected error for empty documents")
	}
}
