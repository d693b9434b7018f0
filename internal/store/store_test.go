package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dannyavrs/encapure/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Tool{
		{Name: "send_message", Description: "post a message to a channel"},
		{Name: "list_files", Description: "enumerate files in a directory"},
		{Name: "get_weather", Description: "fetch current weather for a city"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

// fixedEmbed returns hand-picked 2D vectors so TopN's ranking is
// checkable by hand instead of depending on a real model.
func fixedEmbed(texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	// one vector per known tool text, matched by prefix.
	for i, text := range texts {
		switch {
		case hasPrefix(text, "send_message"):
			vecs[i] = []float32{1, 0}
		case hasPrefix(text, "list_files"):
			vecs[i] = []float32{0, 1}
		case hasPrefix(text, "get_weather"):
			vecs[i] = []float32{0.7, 0.7}
		default:
			vecs[i] = []float32{0, 0}
		}
	}
	return vecs, nil
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

func TestBuildAndTopN(t *testing.T) {
	c := testCatalog(t)
	tbl, err := Build(c, fixedEmbed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tbl.Len() != 3 || tbl.Dim() != 2 {
		t.Fatalf("Len/Dim = %d/%d, want 3/2", tbl.Len(), tbl.Dim())
	}

	results, err := tbl.TopN([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Index != 0 { // send_message is the exact match
		t.Errorf("results[0].Index = %d, want 0 (send_message)", results[0].Index)
	}
}

func TestTopNTieBreaksOnLowerIndex(t *testing.T) {
	c, err := catalog.New([]catalog.Tool{
		{Name: "a", Description: "a"},
		{Name: "b", Description: "b"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	tbl, err := Build(c, func(texts []string) ([][]float32, error) {
		// identical vectors: score must tie, lower ToolIndex must win.
		vecs := make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = []float32{1, 0}
		}
		return vecs, nil
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	results, err := tbl.TopN([]float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(results) != 1 || results[0].Index != 0 {
		t.Fatalf("TopN tie-break = %+v, want Index=0", results)
	}
}

func TestTopNRejectsMismatchedWidth(t *testing.T) {
	c := testCatalog(t)
	tbl, err := Build(c, fixedEmbed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := tbl.TopN([]float32{1, 0, 0}, 1); err == nil {
		t.Fatal("expected error for mismatched query width")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := testCatalog(t)
	tbl, err := Build(c, fixedEmbed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cache.bin")
	if err := tbl.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, tbl.Fingerprint())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != tbl.Len() || loaded.Dim() != tbl.Dim() {
		t.Fatalf("loaded Len/Dim = %d/%d, want %d/%d", loaded.Len(), loaded.Dim(), tbl.Len(), tbl.Dim())
	}
	for i := 0; i < tbl.Len(); i++ {
		for d := 0; d < tbl.Dim(); d++ {
			if loaded.vectors[i][d] != tbl.vectors[i][d] {
				t.Fatalf("vector[%d][%d] = %v, want %v", i, d, loaded.vectors[i][d], tbl.vectors[i][d])
			}
		}
	}
}

func TestLoadRejectsFingerprintMismatch(t *testing.T) {
	c := testCatalog(t)
	tbl, err := Build(c, fixedEmbed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cache.bin")
	if err := tbl.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = Load(path, tbl.Fingerprint()+1)
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load with wrong fingerprint = %v, want ErrCacheMiss", err)
	}
}

func TestLoadTreatsMissingFileAsCacheMiss(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.bin"), 0)
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load of missing file = %v, want ErrCacheMiss", err)
	}
}

func TestLoadTreatsCorruptFileAsCacheMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.bin")
	if err := writeGarbage(path); err != nil {
		t.Fatalf("writeGarbage: %v", err)
	}
	_, err := Load(path, 0)
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load of corrupt file = %v, want ErrCacheMiss", err)
	}
}

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0o644)
}
