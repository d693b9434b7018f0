// Package biencoder implements the recall-stage embedding model (C2): a
// single-tower transformer that maps text to a fixed-size, L2-normalized
// vector so catalog recall can be scored by cosine similarity / dot
// product over a precomputed table.
package biencoder

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dannyavrs/encapure/internal/metrics"
	"github.com/dannyavrs/encapure/internal/session"
)

const (
	// DefaultMaxSeqLen is L_b — the truncation length for both queries and
	// documents embedded by the bi-encoder.
	DefaultMaxSeqLen = 256
	// DefaultDim is the bi-encoder's output vector width.
	DefaultDim = 384
	// DefaultBatchSize is B_b — how many texts are embedded per ONNX call
	// during catalog-build time. Query-time embedding always uses a batch
	// of one.
	DefaultBatchSize = 32
)

// Engine wraps a session.Manager with a bi-encoder's tokenizer and
// pooling/normalization logic. It never opens its own ONNX session
// directly — every inference goes through the shared C1 pool so this
// model and the cross-encoder can share physical cores under one
// permit gate.
type Engine struct {
	mgr       *session.Manager
	tokenizer *tokenizers.Tokenizer
	maxSeqLen int
	dim       int
	batchSize int
}

// Options configures Engine construction.
type Options struct {
	ModelPath     string // path to model.onnx
	TokenizerPath string // path to tokenizer.json
	// MaxSeqLen is a hard cap on tokenizer output (spec.md §6
	// MAX_SEQ_LENGTH) shared across both models; the bi-encoder's own
	// default of 256 already sits below the global default of 1024, so
	// it only has an effect once a caller tightens it below 256. 0 = no
	// cap beyond DefaultMaxSeqLen.
	MaxSeqLen     int
	Dim           int // 0 = DefaultDim
	BatchSize     int // 0 = DefaultBatchSize
	SessionConfig session.Config
}

// New loads the tokenizer once and builds a session pool whose sessions
// all point at the same bi-encoder ONNX graph.
func New(opts Options) (*Engine, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("biencoder model not found at %s: %w", opts.ModelPath, err)
	}
	if _, err := os.Stat(opts.TokenizerPath); err != nil {
		return nil, fmt.Errorf("biencoder tokenizer not found at %s: %w", opts.TokenizerPath, err)
	}

	maxSeqLen := DefaultMaxSeqLen
	if opts.MaxSeqLen > 0 && opts.MaxSeqLen < maxSeqLen {
		maxSeqLen = opts.MaxSeqLen
	}
	dim := opts.Dim
	if dim <= 0 {
		dim = DefaultDim
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	tk, err := tokenizers.FromFile(opts.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load biencoder tokenizer: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

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
		return nil, fmt.Errorf("build biencoder session pool: %w", err)
	}
	mgr.EngineLabel = "biencoder"

	return &Engine{
		mgr:       mgr,
		tokenizer: tk,
		maxSeqLen: maxSeqLen,
		dim:       dim,
		batchSize: batchSize,
	}, nil
}

// Dim returns the embedding width produced by Embed.
func (e *Engine) Dim() int { return e.dim }

// Ready reports whether Warmup has completed on every pooled session.
func (e *Engine) Ready() bool { return e.mgr.Ready() }

// Warmup runs one dummy inference through every pooled session.
func (e *Engine) Warmup(ctx context.Context) error {
	return e.mgr.Warmup(func(s *ort.DynamicAdvancedSession) error {
		_, err := e.runBatch(s, []string{"warmup"})
		return err
	})
}

// Close releases the session pool and tokenizer.
func (e *Engine) Close() {
	e.mgr.Close()
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Embed returns one L2-normalized vector per input text, batching up to
// the engine's batch size (Options.BatchSize, DefaultBatchSize when
// unset) texts per underlying inference call. Order is
// preserved: result[i] corresponds to texts[i].
func (e *Engine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		var out [][]float32
		batchStart := time.Now()
		err := e.mgr.Run(ctx, func(s *ort.DynamicAdvancedSession) error {
			v, err := e.runBatch(s, batch)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		metrics.RecordBiencoderInference(time.Since(batchStart))
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)
		}
		results = append(results, out...)
	}
	return results, nil
}

// EmbedOne embeds a single text — the query-time path, always a batch
// of one regardless of DefaultBatchSize.
func (e *Engine) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("empty result embedding one text")
	}
	return vecs[0], nil
}

type encoded struct {
	ids  []int64
	mask []int64
}

// runBatch tokenizes, tensorizes, runs, and masked-mean-pools one batch
// of texts against an already-leased session. Same four-phase shape as
// the teacher's embedBatch — tokenize, build tensors, run, pool+normalize
// — with masked mean pooling over every token the attention mask marks
// live, instead of taking just the CLS position.
func (e *Engine) runBatch(s *ort.DynamicAdvancedSession, texts []string) ([][]float32, error) {
	batchSize := len(texts)

	all := make([]encoded, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > e.maxSeqLen {
			ids = ids[:e.maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = encoded{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, enc := range all {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
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

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := meanPool(hidden, all[i].mask, i, seqLen, e.dim)
		l2Normalize(vec)
		embeddings[i] = vec
	}
	return embeddings, nil
}

// meanPool averages the hidden states of every position whose attention
// mask is 1, for batch row i of a [batch, seqLen, dim] tensor flattened
// into hidden. An empty (nil) mask averages over the full sequence. A
// non-empty mask with no live position (shouldn't happen — every
// tokenized text has at least the CLS position) yields a zero vector;
// the count is clamped to 1 to avoid dividing by zero.
func meanPool(hidden []float32, mask []int64, row, seqLen, dim int) []float32 {
	vec := make([]float32, dim)
	base := row * seqLen * dim
	var count float32
	for t := 0; t < seqLen; t++ {
		live := t < len(mask) && mask[t] == 1
		if !live && len(mask) > 0 {
			continue
		}
		off := base + t*dim
		for d := 0; d < dim; d++ {
			vec[d] += hidden[off+d]
		}
		count++
	}
	if count == 0 {
		count = 1
	}
	inv := 1 / count
	for d := range vec {
		vec[d] *= inv
	}
	return vec
}

func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

// BenchmarkSingle embeds one text and reports phase timings, for
// the encapured bench subcommand.
func (e *Engine) BenchmarkSingle(ctx context.Context, text string) (tokenize, inference, total time.Duration, err error) {
	t0 := time.Now()
	enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
	ids := enc.IDs
	if len(ids) > e.maxSeqLen {
		ids = ids[:e.maxSeqLen]
	}
	tokenize = time.Since(t0)

	t1 := time.Now()
	runErr := e.mgr.Run(ctx, func(s *ort.DynamicAdvancedSession) error {
		_, rerr := e.runBatch(s, []string{text})
		return rerr
	})
	inference = time.Since(t1)
	total = time.Since(t0)
	return tokenize, inference, total, runErr
}

// modelFiles returns the conventional on-disk file names for a bi-encoder
// model directory, mirroring the teacher's filepath.Join(modelDir, ...)
// convention for callers that want to build Options from a directory.
func modelFiles(modelDir string) (modelPath, tokenizerPath string) {
	return filepath.Join(modelDir, "model.onnx"), filepath.Join(modelDir, "tokenizer.json")
}

// NewFromDir builds an Engine from a model directory containing
// model.onnx and tokenizer.json, the same layout convention the teacher
// CLI uses for --model-dir.
func NewFromDir(modelDir string, sessCfg session.Config) (*Engine, error) {
	modelPath, tokenizerPath := modelFiles(modelDir)
	return New(Options{ModelPath: modelPath, TokenizerPath: tokenizerPath, SessionConfig: sessCfg})
}
