package fieldpath

import "testing"

func TestGetSetDuality(t *testing.T) {
	doc := map[string]any{
		"choices": []any{
			map[string]any{"delta": map[string]any{"content": "hi"}},
		},
	}

	path := "choices.0.delta.content"
	got := GetString(doc, path)
	if got != "hi" {
		t.Fatalf("GetString(%q) = %q, want %q", path, got, "hi")
	}

	updated := Set(doc, path, "bye")
	if got := GetString(updated, path); got != "bye" {
		t.Fatalf("after Set, GetString(%q) = %q, want %q", path, got, "bye")
	}
	// original doc is untouched (structural sharing must still copy on write)
	if got := GetString(doc, path); got != "hi" {
		t.Fatalf("Set mutated original doc: GetString = %q", got)
	}
}

func TestGetMissingSegmentYieldsEmpty(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": "c"}}
	if got := GetString(doc, "a.missing.deeper"); got != "" {
		t.Fatalf("expected empty string for missing path, got %q", got)
	}
}

func TestListNonIntegerSegmentDescendsIntoIndexZero(t *testing.T) {
	// Source quirk: a list addressed by a non-integer segment descends
	// into element 0 and retries.
	doc := map[string]any{
		"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
	}
	got := GetString(doc, "items.name")
	if got != "first" {
		t.Fatalf("GetString(items.name) = %q, want %q", got, "first")
	}
}

func TestNegativeIndex(t *testing.T) {
	doc := map[string]any{"items": []any{"a", "b", "c"}}
	if got := GetString(doc, "items.-1"); got != "c" {
		t.Fatalf("GetString(items.-1) = %q, want %q", got, "c")
	}
}

func TestSetCreatesIntermediateDicts(t *testing.T) {
	doc := map[string]any{}
	updated := Set(doc, "a.b.c", "v")
	if got := GetString(updated, "a.b.c"); got != "v" {
		t.Fatalf("GetString(a.b.c) = %q, want %q", got, "v")
	}
}
