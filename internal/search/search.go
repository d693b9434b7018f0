// Package search implements the stateless orchestrator (C5): it wires
// the catalog, the bi-encoder recall vector, the embedding table's
// top-N scan, and the cross-encoder rerank into one search call.
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dannyavrs/encapure/internal/catalog"
	"github.com/dannyavrs/encapure/internal/metrics"
	"github.com/dannyavrs/encapure/internal/session"
	"github.com/dannyavrs/encapure/internal/store"
	"github.com/dannyavrs/encapure/internal/tracing"
)

// DefaultRetrievalCandidates is N — the recall width passed to rerank
// when the caller's top_k is smaller than it.
const DefaultRetrievalCandidates = 20

// DefaultTimeout bounds each inference call (embed or rerank) within a
// single search. Exceeding it escalates to a resource error.
const DefaultTimeout = 30 * time.Second

// ErrInvalidArgument marks a caller-input problem (empty query, top_k
// out of range, empty document list) as distinct from a failure deeper
// in the pipeline, so transports can map it to a 4xx response.
var ErrInvalidArgument = fmt.Errorf("search: invalid argument")

// Result is one ranked tool returned from Search or Rerank.
type Result struct {
	Name        string
	Description string
	Score       float32
}

// RerankResult preserves the caller-supplied index of a reranked
// document (the /rerank contract echoes indices, not names).
type RerankResult struct {
	Index int
	Score float32
}

// BiEncoder is the subset of biencoder.Engine's surface C5 depends on.
type BiEncoder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// CrossEncoder is the subset of crossencoder.Engine's surface C5
// depends on.
type CrossEncoder interface {
	Score(ctx context.Context, query string, docs []string) ([]float32, error)
}

// Store is the subset of store.Table's surface C5 depends on.
type Store interface {
	TopN(query []float32, n int) ([]store.Result, error)
}

// Orchestrator holds no per-request state; one instance is shared by
// every concurrent search call.
type Orchestrator struct {
	Catalog      *catalog.Catalog
	BiEncoder    BiEncoder
	CrossEncoder CrossEncoder
	Store        Store

	RetrievalCandidates int           // N; 0 = DefaultRetrievalCandidates
	Timeout             time.Duration // 0 = DefaultTimeout
}

func (o *Orchestrator) retrievalCandidates() int {
	if o.RetrievalCandidates > 0 {
		return o.RetrievalCandidates
	}
	return DefaultRetrievalCandidates
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// AugmentedQuery builds the sole mechanism by which agent context
// alters retrieval: when non-empty, agentDescription is folded into
// the text handed to both the bi-encoder and the cross-encoder.
func AugmentedQuery(query, agentDescription string) string {
	if agentDescription == "" {
		return query
	}
	return fmt.Sprintf("Agent Context: %s. Query: %s", agentDescription, query)
}

type scored struct {
	idx      catalog.ToolIndex
	biScore  float32
	crScore  float32
}

// Search runs the full recall → rerank pipeline and returns the top_k
// results ordered by descending cross-encoder score, tie-broken by
// descending bi-encoder score and then lower ToolIndex. Any error from
// an underlying stage propagates unchanged — there is no partial
// result.
func (o *Orchestrator) Search(ctx context.Context, query string, topK int, agentDescription string) (_ []Result, err error) {
	start := time.Now()
	outcome := "ok"
	defer func() { metrics.RecordSearch(outcome, time.Since(start)) }()

	if query == "" {
		outcome = "validation"
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidArgument)
	}
	if topK < 1 || topK > 100 {
		outcome = "validation"
		return nil, fmt.Errorf("%w: top_k must be in [1, 100], got %d", ErrInvalidArgument, topK)
	}

	ctx, span := tracing.StartSearch(ctx, "search")
	defer span.End()

	augmented := AugmentedQuery(query, agentDescription)

	recallCtx, recallSpan := tracing.StartRecall(ctx)
	embedCtx, cancelEmbed := context.WithTimeout(recallCtx, o.timeout())
	queryVec, err := o.BiEncoder.EmbedOne(embedCtx, augmented)
	cancelEmbed()
	if err != nil {
		recallSpan.End()
		outcome = classify(err)
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	n := o.retrievalCandidates()
	if topK > n {
		n = topK
	}
	topNStart := time.Now()
	candidates, err := o.Store.TopN(queryVec, n)
	metrics.RecordTopN(time.Since(topNStart))
	recallSpan.End()
	if err != nil {
		outcome = classify(err)
		return nil, fmt.Errorf("search: top-n recall: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		tool := o.Catalog.Tool(c.Index)
		docs[i] = tool.Name + ": " + tool.Description
	}

	rerankCtx, rerankSpan := tracing.StartRerank(ctx)
	scoreCtx, cancelScore := context.WithTimeout(rerankCtx, o.timeout())
	crScores, err := o.CrossEncoder.Score(scoreCtx, augmented, docs)
	cancelScore()
	rerankSpan.End()
	if err != nil {
		outcome = classify(err)
		return nil, fmt.Errorf("search: rerank: %w", err)
	}
	if len(crScores) != len(candidates) {
		outcome = "model"
		return nil, fmt.Errorf("search: cross-encoder returned %d scores for %d candidates", len(crScores), len(candidates))
	}

	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{idx: c.Index, biScore: c.Score, crScore: crScores[i]}
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.crScore != b.crScore {
			return a.crScore > b.crScore
		}
		if a.biScore != b.biScore {
			return a.biScore > b.biScore
		}
		return a.idx < b.idx
	})

	if topK > len(ranked) {
		topK = len(ranked)
	}
	results := make([]Result, topK)
	for i := 0; i < topK; i++ {
		tool := o.Catalog.Tool(ranked[i].idx)
		results[i] = Result{Name: tool.Name, Description: tool.Description, Score: ranked[i].crScore}
	}
	return results, nil
}

// classify maps an error from a C2/C3/C4 collaborator to the outcome
// label metrics.RecordSearch uses, per the taxonomy in spec.md §7.
func classify(err error) string {
	if session.IsResourceError(err) {
		return "resource"
	}
	return "model"
}

// Rerank scores an arbitrary caller-supplied document list directly
// against the cross-encoder, bypassing recall entirely. Indices in the
// result echo the caller's original positions in documents.
func (o *Orchestrator) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("%w: documents must not be empty", ErrInvalidArgument)
	}

	ctx, span := tracing.StartSearch(ctx, "rerank")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	scores, err := o.CrossEncoder.Score(ctx, query, documents)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(documents) {
		return nil, fmt.Errorf("rerank: cross-encoder returned %d scores for %d documents", len(scores), len(documents))
	}

	results := make([]RerankResult, len(documents))
	for i, s := range scores {
		results[i] = RerankResult{Index: i, Score: s}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
	return results, nil
}
