package tui

import "testing"

func TestEdgeClampsRange(t *testing.T) {
	cases := []struct{ v, lo, hi, want int }{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{20, 0, 10, 10},
	}
	for _, c := range cases {
		if got := edge(c.v, c.lo, c.hi); got != c.want {
			t.Errorf("edge(%d,%d,%d) = %d, want %d", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestCollapseFoldsWhitespaceAndTruncates(t *testing.T) {
	if got := collapse("too   many\tspaces\nhere", 100); got != "too many spaces here" {
		t.Errorf("collapse() = %q, want folded whitespace", got)
	}
	if got := collapse("a long description that needs cutting", 10); len([]rune(got)) != 10 {
		t.Errorf("collapse() len = %d, want 10", len([]rune(got)))
	}
}

func TestPadFillsWidth(t *testing.T) {
	out := pad("left\x00right", 20)
	if len(out) < 20 {
		t.Errorf("pad output length %d, want >= 20", len(out))
	}
}

func TestRowPlacesBothSides(t *testing.T) {
	out := row("left", "right", 20)
	if len(out) < 20 {
		t.Errorf("row output length %d, want >= 20", len(out))
	}
}

func TestNewDefaultsTopK(t *testing.T) {
	m := New(nil, "", 0)
	if m.topK != 10 {
		t.Errorf("topK = %d, want default 10", m.topK)
	}
}
