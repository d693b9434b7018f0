package catalog

import "testing"

func TestNewRejectsDuplicateNames(t *testing.T) {
	_, err := New([]Tool{
		{Name: "send_message", Description: "a"},
		{Name: "send_message", Description: "b"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate tool name, got nil")
	}
}

func TestNewRejectsEmptyName(t *testing.T) {
	_, err := New([]Tool{{Name: "", Description: "a"}})
	if err == nil {
		t.Fatal("expected error for empty tool name, got nil")
	}
}

func TestToolIndexStable(t *testing.T) {
	c, err := New([]Tool{
		{Name: "a", Description: "first"},
		{Name: "b", Description: "second"},
		{Name: "c", Description: "third"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx, ok := c.IndexOf("b")
	if !ok || idx != 1 {
		t.Fatalf("IndexOf(b) = (%d, %v), want (1, true)", idx, ok)
	}
	if got := c.Tool(idx).Description; got != "second" {
		t.Fatalf("Tool(1).Description = %q, want %q", got, "second")
	}
}

// TestFingerprintStableUnderFieldReorder verifies that reordering the
// JSON fields within a single tool record doesn't change the
// fingerprint — only the decoded content does.
func TestFingerprintStableUnderFieldReorder(t *testing.T) {
	a, err := Parse([]byte(`[{"name":"x","description":"d","category":"c"}]`))
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := Parse([]byte(`[{"category":"c","description":"d","name":"x"}]`))
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprint changed under intra-record field reorder: %d != %d",
			a.Fingerprint(), b.Fingerprint())
	}
}

// TestFingerprintChangesUnderToolReorder verifies that reordering the
// tools themselves DOES change the fingerprint.
func TestFingerprintChangesUnderToolReorder(t *testing.T) {
	a, err := Parse([]byte(`[{"name":"x","description":"d"},{"name":"y","description":"e"}]`))
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := Parse([]byte(`[{"name":"y","description":"e"},{"name":"x","description":"d"}]`))
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint unchanged after reordering tools, want different")
	}
}

func TestFingerprintIncludesExtraFields(t *testing.T) {
	a, err := Parse([]byte(`[{"name":"x","description":"d"}]`))
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := Parse([]byte(`[{"name":"x","description":"d","version":"2"}]`))
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should change when an ignored-but-present field changes")
	}
}
