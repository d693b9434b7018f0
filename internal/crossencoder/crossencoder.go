// Package crossencoder implements the rerank-stage model (C3): a joint
// (query, document) transformer that outputs a single relevance logit
// per pair, squashed through a sigmoid into a 0..1 relevance score.
package crossencoder

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dannyavrs/encapure/internal/metrics"
	"github.com/dannyavrs/encapure/internal/session"
)

const (
	// DefaultMaxSeqLen is L_c — the truncation budget for the full joint
	// (query, document) sequence including special tokens.
	DefaultMaxSeqLen = 1024
	// DefaultBatchSize is B_c — pairs per underlying inference call.
	DefaultBatchSize = 32
)

// Engine scores (query, document) pairs for relevance.
type Engine struct {
	mgr       *session.Manager
	tokenizer *tokenizers.Tokenizer
	maxSeqLen int
	batchSize int

	clsID, sepID uint32
}

// Options configures Engine construction.
type Options struct {
	ModelPath     string
	TokenizerPath string
	// MaxSeqLen is a hard cap on the joint sequence length (spec.md §6
	// MAX_SEQ_LENGTH), shared across both models. 0 = no cap beyond
	// DefaultMaxSeqLen.
	MaxSeqLen     int
	BatchSize     int
	SessionConfig session.Config
}

// New loads the tokenizer and builds a session pool for the
// cross-encoder ONNX graph.
func New(opts Options) (*Engine, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("crossencoder model not found at %s: %w", opts.ModelPath, err)
	}
	if _, err := os.Stat(opts.TokenizerPath); err != nil {
		return nil, fmt.Errorf("crossencoder tokenizer not found at %s: %w", opts.TokenizerPath, err)
	}

	maxSeqLen := DefaultMaxSeqLen
	if opts.MaxSeqLen > 0 && opts.MaxSeqLen < maxSeqLen {
		maxSeqLen = opts.MaxSeqLen
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	tk, err := tokenizers.FromFile(opts.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load crossencoder tokenizer: %w", err)
	}

	clsID, sepID, err := specialTokenIDs(tk)
	if err != nil {
		tk.Close()
		return nil, err
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"logits"}

	factory := func(threads int) (*ort.DynamicAdvancedSession, error) {
		sessOpts, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("session options: %w", err)
		}
		defer sessOpts.Destroy()
		if err := sessOpts.SetIntraOpNumThreads(threads); err != nil {
			return nil, fmt.Errorf("set intra threads: %w", err)
		}
		if err := sessOpts.SetInterOpNumThreads(1); err != nil {
			return nil, fmt.Errorf("set inter threads: %w", err)
		}
		return ort.NewDynamicAdvancedSession(opts.ModelPath, inputNames, outputNames, sessOpts)
	}

	mgr, err := session.New(opts.SessionConfig, factory)
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("build crossencoder session pool: %w", err)
	}
	mgr.EngineLabel = "crossencoder"

	return &Engine{
		mgr:       mgr,
		tokenizer: tk,
		maxSeqLen: maxSeqLen,
		batchSize: batchSize,
		clsID:     clsID,
		sepID:     sepID,
	}, nil
}

// specialTokenIDs recovers the CLS/SEP ids by encoding an empty string
// with special tokens added — every BERT-family tokenizer.json vocab
// maps [CLS] and [SEP] this way, and it avoids depending on a
// vocabulary-lookup API daulet/tokenizers doesn't expose.
func specialTokenIDs(tk *tokenizers.Tokenizer) (cls, sep uint32, err error) {
	enc := tk.EncodeWithOptions("", true, tokenizers.WithReturnAttentionMask())
	if len(enc.IDs) < 2 {
		return 0, 0, fmt.Errorf("could not recover CLS/SEP ids from tokenizer vocab")
	}
	return enc.IDs[0], enc.IDs[len(enc.IDs)-1], nil
}

// Close releases the session pool and tokenizer.
func (e *Engine) Close() {
	e.mgr.Close()
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Ready reports whether Warmup has completed on every pooled session.
func (e *Engine) Ready() bool { return e.mgr.Ready() }

// Warmup runs one dummy pair through every pooled session.
func (e *Engine) Warmup(ctx context.Context) error {
	return e.mgr.Warmup(func(s *ort.DynamicAdvancedSession) error {
		_, err := e.runBatch(s, "warmup", []string{"warmup document"})
		return err
	})
}

// Score returns one relevance score in [0, 1] per document, in the same
// order as docs, for a fixed query.
func (e *Engine) Score(ctx context.Context, query string, docs []string) ([]float32, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	scores := make([]float32, 0, len(docs))
	for i := 0; i < len(docs); i += e.batchSize {
		end := i + e.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[i:end]

		var out []float32
		batchStart := time.Now()
		err := e.mgr.Run(ctx, func(s *ort.DynamicAdvancedSession) error {
			v, err := e.runBatch(s, query, batch)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		metrics.RecordCrossencoderInference(time.Since(batchStart))
		if err != nil {
			return nil, fmt.Errorf("score batch [%d:%d]: %w", i, end, err)
		}
		scores = append(scores, out...)
	}
	return scores, nil
}

type pair struct {
	ids      []int64
	typeIDs  []int64
	attnMask []int64
}

// runBatch builds one joint-encoded batch of (query, doc) pairs and
// runs it through an already-leased session. Each sequence is
// [CLS] query-tokens [SEP] doc-tokens [SEP], token_type_ids 0 over the
// query segment (including CLS and its trailing SEP) and 1 over the
// document segment. The document is truncated first when the joint
// sequence would exceed maxSeqLen, keeping the query intact.
func (e *Engine) runBatch(s *ort.DynamicAdvancedSession, query string, docs []string) ([]float32, error) {
	queryEnc := e.tokenizer.EncodeWithOptions(query, false, tokenizers.WithReturnAttentionMask())
	queryIDs := queryEnc.IDs

	// Reserve room for [CLS] + query + [SEP] + [SEP], truncating the
	// query itself only in the pathological case where it alone doesn't
	// fit (leaving at least one token of room for the document).
	reserved := 3
	if len(queryIDs) > e.maxSeqLen-reserved-1 {
		queryIDs = queryIDs[:max0(e.maxSeqLen-reserved-1)]
	}

	batchSize := len(docs)
	all := make([]pair, batchSize)
	maxLen := 0

	for i, doc := range docs {
		docEnc := e.tokenizer.EncodeWithOptions(doc, false, tokenizers.WithReturnAttentionMask())
		docIDs := docEnc.IDs

		budget := e.maxSeqLen - reserved - len(queryIDs)
		if budget < 0 {
			budget = 0
		}
		if len(docIDs) > budget {
			docIDs = docIDs[:budget]
		}

		total := 1 + len(queryIDs) + 1 + len(docIDs) + 1
		ids := make([]int64, 0, total)
		types := make([]int64, 0, total)

		ids = append(ids, int64(e.clsID))
		types = append(types, 0)
		for _, t := range queryIDs {
			ids = append(ids, int64(t))
			types = append(types, 0)
		}
		ids = append(ids, int64(e.sepID))
		types = append(types, 0)
		for _, t := range docIDs {
			ids = append(ids, int64(t))
			types = append(types, 1)
		}
		ids = append(ids, int64(e.sepID))
		types = append(types, 1)

		mask := make([]int64, len(ids))
		for j := range mask {
			mask[j] = 1
		}

		all[i] = pair{ids: ids, typeIDs: types, attnMask: mask}
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, p := range all {
		copy(flatIDs[i*maxLen:], p.ids)
		copy(flatMask[i*maxLen:], p.attnMask)
		copy(flatType[i*maxLen:], p.typeIDs)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	inputs := []ort.Value{inputIDs, attnMask, typeIDs}
	outputs := []ort.Value{nil}
	if err := s.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	logits := logitsTensor.GetData()

	// Most cross-encoder heads emit one logit per pair; some emit two
	// (binary classification). Use the first column of whatever width
	// the output has.
	width := len(logits) / batchSize
	if width == 0 {
		return nil, fmt.Errorf("empty logits output")
	}

	scores := make([]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		scores[i] = sigmoid(logits[i*width])
	}
	return scores, nil
}

// BenchmarkSingle scores one (query, document) pair and reports phase
// timings, for the encapured bench subcommand.
func (e *Engine) BenchmarkSingle(ctx context.Context, query, document string) (tokenize, inference, total time.Duration, err error) {
	t0 := time.Now()
	_ = e.tokenizer.EncodeWithOptions(query, false, tokenizers.WithReturnAttentionMask())
	tokenize = time.Since(t0)

	t1 := time.Now()
	runErr := e.mgr.Run(ctx, func(s *ort.DynamicAdvancedSession) error {
		_, rerr := e.runBatch(s, query, []string{document})
		return rerr
	})
	inference = time.Since(t1)
	total = time.Since(t0)
	return tokenize, inference, total, runErr
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
