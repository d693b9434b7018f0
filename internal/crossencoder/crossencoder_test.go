package crossencoder

import (
	"context"
	"math"
	"testing"

	"github.com/dannyavrs/encapure/internal/session"
)

func TestSigmoid(t *testing.T) {
	cases := []struct {
		in   float32
		want float64
	}{
		{0, 0.5},
		{100, 1},
		{-100, 0},
	}
	for _, c := range cases {
		got := sigmoid(c.in)
		if math.Abs(float64(got)-c.want) > 1e-3 {
			t.Errorf("sigmoid(%v) = %v, want ~%v", c.in, got, c.want)
		}
	}
}

func TestMax0(t *testing.T) {
	if max0(-5) != 0 {
		t.Errorf("max0(-5) = %d, want 0", max0(-5))
	}
	if max0(5) != 5 {
		t.Errorf("max0(5) = %d, want 5", max0(5))
	}
}

func TestNewMissingModel(t *testing.T) {
	_, err := New(Options{
		ModelPath:     "/tmp/nonexistent-encapure-crossencoder-model.onnx",
		TokenizerPath: "/tmp/nonexistent-encapure-crossencoder-tokenizer.json",
		SessionConfig: session.Config{Sessions: 1, Permits: 1, Threads: 1},
	})
	if err == nil {
		t.Fatal("expected error for missing model files, got nil")
	}
}

// TestScoreOrdersMatchInput exercises the full tokenize/run/sigmoid path
// against a real exported model, skipped when no model is present.
func TestScoreOrdersMatchInput(t *testing.T) {
	e, err := New(Options{
		ModelPath:     "../../models/crossencoder/model.onnx",
		TokenizerPath: "../../models/crossencoder/tokenizer.json",
		SessionConfig: session.Config{Sessions: 1, Permits: 1, Threads: 1},
	})
	if err != nil {
		t.Skipf("skipping: crossencoder model not found: %v", err)
	}
	defer e.Close()

	scores, err := e.Score(context.Background(), "how do I send a message to a channel", []string{
		"send_message posts text content to a named chat channel",
		"list_files enumerates files in a directory tree",
	})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("len(scores) = %d, want 2", len(scores))
	}
	if scores[0] <= scores[1] {
		t.Errorf("expected relevant doc to outscore irrelevant doc: %v", scores)
	}
}
