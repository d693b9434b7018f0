// Package store implements the embedding table (C4): an immutable,
// in-memory table of one bi-encoder vector per catalog tool, an exact
// bounded top-N scan over it, and a bit-exact binary cache file so the
// table can be rebuilt once and reused across process restarts.
package store

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dannyavrs/encapure/internal/catalog"
)

// magic identifies an encapure embedding cache file.
var magic = [4]byte{'E', 'N', 'C', 'P'}

const formatVersion = uint16(1)

// Result is one scored candidate from TopN.
type Result struct {
	Index catalog.ToolIndex
	Score float32 // cosine similarity / dot product against the query vector
}

// Table is the immutable row-major embedding matrix for a catalog:
// one L2-normalized vector of width Dim per tool, in ToolIndex order.
type Table struct {
	dim         int
	fingerprint uint64
	vectors     [][]float32
}

// Embedder produces one vector per text, matching biencoder.Engine's
// batch-Embed signature without importing that package (avoids a
// store→biencoder dependency; callers wire the two together).
type Embedder func(texts []string) ([][]float32, error)

// Build embeds every tool's augmented text (name + description, the
// same text the catalog stores) and assembles the table. The
// fingerprint is carried from the source catalog so a later Load can
// detect staleness.
func Build(c *catalog.Catalog, embed Embedder) (*Table, error) {
	texts := make([]string, c.Len())
	for i, t := range c.All() {
		texts[i] = t.Name + ": " + t.Description
	}

	vecs, err := embed(texts)
	if err != nil {
		return nil, fmt.Errorf("embed catalog: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d tools", len(vecs), len(texts))
	}

	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("tool %d: vector width %d != table width %d", i, len(v), dim)
		}
	}

	return &Table{dim: dim, fingerprint: c.Fingerprint(), vectors: vecs}, nil
}

// Len returns the number of rows in the table.
func (t *Table) Len() int { return len(t.vectors) }

// Dim returns the vector width.
func (t *Table) Dim() int { return t.dim }

// Fingerprint returns the source catalog's fingerprint at build time.
func (t *Table) Fingerprint() uint64 { return t.fingerprint }

type candidate struct {
	idx   catalog.ToolIndex
	score float32
}

// minHeap is a min-heap of candidates (lowest score first), used to
// maintain a bounded top-N result set during a single linear scan —
// the same container/heap shape the teacher uses for HNSW's bounded
// result set, applied here to an exact brute-force scan instead of an
// approximate graph traversal. Ties break on ToolIndex: of two
// candidates with equal score, the one with the *higher* index is
// considered "worse" so it gets evicted first, leaving the lower index
// as the final tie winner.
type minHeap []candidate

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].idx > h[j].idx
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// TopN returns the N highest-scoring rows against query, sorted
// descending by score with ties broken by lower ToolIndex. query must
// have the same width as the table. This is an exact single-pass scan,
// not an approximation — spec.md's top-N invariant requires
// deterministic results, which rules out ANN index structures.
func (t *Table) TopN(query []float32, n int) ([]Result, error) {
	if len(query) != t.dim {
		return nil, fmt.Errorf("query width %d != table width %d", len(query), t.dim)
	}
	if n <= 0 || len(t.vectors) == 0 {
		return nil, nil
	}
	if n > len(t.vectors) {
		n = len(t.vectors)
	}

	h := make(minHeap, 0, n)
	heap.Init(&h)

	for i, v := range t.vectors {
		score := dot(query, v)
		c := candidate{idx: catalog.ToolIndex(i), score: score}
		if h.Len() < n {
			heap.Push(&h, c)
			continue
		}
		if less(h[0], c) {
			heap.Pop(&h)
			heap.Push(&h, c)
		}
	}

	results := make([]Result, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		c := heap.Pop(&h).(candidate)
		results[i] = Result{Index: c.idx, Score: c.score}
	}
	return results, nil
}

// less reports whether the heap's current worst candidate (a) is
// strictly worse than a newly scanned candidate (b) — i.e. whether b
// should displace a. Mirrors minHeap.Less's tie-break: equal scores
// favor evicting the higher ToolIndex.
func less(a, b candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.idx > b.idx
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Header layout (bit-exact, spec.md §6):
//
//	[4]byte magic     "ENCP"
//	uint16  version
//	uint16  reserved
//	uint64  count
//	uint32  dim
//	uint32  reserved
//	uint64  fingerprint
//	--- count*dim float32, row-major ---

// Save atomically writes the table to path: it writes to a temp file in
// the same directory and renames over the destination, so a crash
// mid-write never leaves a truncated cache in place.
func (t *Table) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".encapure-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := &binaryWriter{w: tmp}
	w.write(magic)
	w.writeU16(formatVersion)
	w.writeU16(0)
	w.writeU64(uint64(len(t.vectors)))
	w.writeU32(uint32(t.dim))
	w.writeU32(0)
	w.writeU64(t.fingerprint)
	for _, v := range t.vectors {
		for _, f := range v {
			w.writeF32(f)
		}
	}
	if w.err != nil {
		tmp.Close()
		return fmt.Errorf("write cache: %w", w.err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename cache into place: %w", err)
	}
	return nil
}

// ErrCacheMiss is returned by Load for anything that should be treated
// as "no usable cache" — file absent, corrupt, wrong version, or
// fingerprint mismatch against the current catalog — never as a fatal
// error, since the table can always be rebuilt from the catalog.
var ErrCacheMiss = fmt.Errorf("embedding cache miss")

// Load reads a previously Saved table, rejecting it (returning
// ErrCacheMiss, wrapped with context) unless its fingerprint matches
// expectedFingerprint exactly. Any structural corruption is reported
// the same way — as a miss, not a hard error — since the caller's only
// recourse in either case is to rebuild.
func Load(path string, expectedFingerprint uint64) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	r := &binaryReader{r: f}

	var gotMagic [4]byte
	r.read(&gotMagic)
	if r.err == nil && gotMagic != magic {
		return nil, fmt.Errorf("%w: bad magic bytes", ErrCacheMiss)
	}

	version := r.readU16()
	r.readU16() // reserved
	count := r.readU64()
	dim := r.readU32()
	r.readU32() // reserved
	fingerprint := r.readU64()

	if r.err != nil {
		if r.err == io.EOF || r.err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated header", ErrCacheMiss)
		}
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, r.err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCacheMiss, version)
	}
	if fingerprint != expectedFingerprint {
		return nil, fmt.Errorf("%w: fingerprint mismatch (catalog changed)", ErrCacheMiss)
	}

	wantLen := int64(32) + 4*int64(count)*int64(dim)
	if info.Size() != wantLen {
		return nil, fmt.Errorf("%w: length %d != expected %d", ErrCacheMiss, info.Size(), wantLen)
	}

	vectors := make([][]float32, count)
	for i := range vectors {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = r.readF32()
		}
		vectors[i] = vec
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: truncated vector data: %v", ErrCacheMiss, r.err)
	}

	return &Table{dim: int(dim), fingerprint: fingerprint, vectors: vectors}, nil
}

// binaryWriter wraps an io.Writer and accumulates the first error —
// same helper shape as the teacher's hnsw persistence code.
type binaryWriter struct {
	w   io.Writer
	err error
}

func (w *binaryWriter) write(v interface{}) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}
func (w *binaryWriter) writeU16(v uint16)  { w.write(v) }
func (w *binaryWriter) writeU32(v uint32)  { w.write(v) }
func (w *binaryWriter) writeU64(v uint64)  { w.write(v) }
func (w *binaryWriter) writeF32(v float32) { w.write(v) }

type binaryReader struct {
	r   io.Reader
	err error
}

func (r *binaryReader) read(v interface{}) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, v)
}
func (r *binaryReader) readU16() uint16 {
	var v uint16
	r.read(&v)
	return v
}
func (r *binaryReader) readU32() uint32 {
	var v uint32
	r.read(&v)
	return v
}
func (r *binaryReader) readU64() uint64 {
	var v uint64
	r.read(&v)
	return v
}
func (r *binaryReader) readF32() float32 {
	var v float32
	r.read(&v)
	return v
}
