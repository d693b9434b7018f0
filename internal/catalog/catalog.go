// Package catalog holds the immutable set of tools served by encapure.
// The catalog is built once at startup from a JSON file and never
// mutated afterward; every other component addresses tools by their
// stable ToolIndex (position in the loaded sequence).
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ToolIndex is the stable position of a tool within a Catalog.
type ToolIndex int

// Tool is a single catalog entry: a named, described capability.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`

	// Extra carries any additional JSON fields the ingestion pass didn't
	// recognize. They are ignored for ranking but still fold into the
	// fingerprint (spec: "additional fields are ignored by the core but
	// included in the fingerprint").
	Extra map[string]json.RawMessage `json:"-"`
}

// rawTool is used only to separate known fields from passthrough ones
// during JSON decoding.
type rawTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// UnmarshalJSON decodes the known fields into rawTool and keeps any
// unrecognized keys in Extra.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var r rawTool
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "name")
	delete(all, "description")
	delete(all, "category")

	t.Name = r.Name
	t.Description = r.Description
	t.Category = r.Category
	if len(all) > 0 {
		t.Extra = all
	}
	return nil
}

// Catalog is the immutable ordered sequence of tools loaded at startup.
type Catalog struct {
	tools       []Tool
	index       map[string]ToolIndex
	fingerprint uint64
}

// Load reads a JSON array of tool records from path, validates name
// uniqueness, and computes the catalog fingerprint.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Catalog from raw JSON bytes (a top-level array of tool
// records). Order is preserved — it determines each tool's ToolIndex.
func Parse(data []byte) (*Catalog, error) {
	var tools []Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(tools)
}

// New builds a Catalog from an already-decoded, ordered tool slice.
func New(tools []Tool) (*Catalog, error) {
	index := make(map[string]ToolIndex, len(tools))
	for i, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool at position %d has empty name", i)
		}
		if _, dup := index[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name)
		}
		index[t.Name] = ToolIndex(i)
	}

	c := &Catalog{tools: tools, index: index}
	c.fingerprint = computeFingerprint(tools)
	return c, nil
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int { return len(c.tools) }

// Tool returns the tool at idx. Panics if idx is out of range — callers
// within this process only ever hold indices produced by this catalog.
func (c *Catalog) Tool(idx ToolIndex) Tool { return c.tools[idx] }

// All returns the full ordered tool sequence. The returned slice must
// not be mutated by callers.
func (c *Catalog) All() []Tool { return c.tools }

// IndexOf returns the ToolIndex for name, or false if it isn't in the
// catalog.
func (c *Catalog) IndexOf(name string) (ToolIndex, bool) {
	idx, ok := c.index[name]
	return idx, ok
}

// Fingerprint returns the deterministic 64-bit hash of this catalog.
// It changes whenever any tool's identity, text, or order changes, but
// is stable across re-serialization with fields reordered within a
// single tool record.
func (c *Catalog) Fingerprint() uint64 { return c.fingerprint }

// computeFingerprint hashes the ordered sequence of tools. Each tool
// contributes its (name, description, category) tuple plus any
// passthrough fields, sorted by key so intra-record field order never
// changes the result — only inter-tool order and content do.
func computeFingerprint(tools []Tool) uint64 {
	h := xxhash.New()
	var lenBuf [8]byte

	writeString := func(s string) {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(tools)))
	h.Write(lenBuf[:])

	for _, t := range tools {
		writeString(t.Name)
		writeString(t.Description)
		writeString(t.Category)

		if len(t.Extra) == 0 {
			writeString("")
			continue
		}
		keys := make([]string, 0, len(t.Extra))
		for k := range t.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeString(k)
			writeString(string(t.Extra[k]))
		}
	}

	return h.Sum64()
}
