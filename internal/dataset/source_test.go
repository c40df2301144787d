package dataset

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/riftlab/chatstress/internal/domain"
)

func TestEmptyModeIsExhausted(t *testing.T) {
	src, err := New("", domain.ChatTypeText, slog.Default())
	if err != nil {
		t.Fatalf("New(\"\") error: %v", err)
	}
	if _, ok := src.Next(); ok {
		t.Fatalf("expected empty source to be exhausted")
	}
}

func TestDefaultModeCycles(t *testing.T) {
	src, err := New("default", domain.ChatTypeText, slog.Default())
	if err != nil {
		t.Fatalf("New(default) error: %v", err)
	}
	n := src.Len()
	if n == 0 {
		t.Fatalf("expected built-in sample records")
	}
	seen := make([]*domain.PromptRecord, 0, n+1)
	for i := 0; i < n+1; i++ {
		rec, ok := src.Next()
		if !ok {
			t.Fatalf("expected Next to succeed on iteration %d", i)
		}
		seen = append(seen, rec)
	}
	if seen[0].ID != seen[n].ID {
		t.Fatalf("expected cycle back to first record after %d draws, got %q vs %q", n, seen[0].ID, seen[n].ID)
	}
}

func TestInlineJSONLWithBadLine(t *testing.T) {
	inline := "{\"id\":\"a\",\"prompt\":\"hi\"}\nnot json\n{\"id\":\"b\",\"prompt\":\"there\"}"
	src, err := New(inline, domain.ChatTypeText, slog.Default())
	if err != nil {
		t.Fatalf("New(inline) error: %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("expected 2 valid records, got %d", src.Len())
	}
}

func TestAllInvalidLinesFailsLoudly(t *testing.T) {
	_, err := New("not json\nalso not json", domain.ChatTypeText, slog.Default())
	if err == nil {
		t.Fatalf("expected error when zero lines parse")
	}
}

func TestFilePathMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.jsonl")
	content := "{\"id\":\"a\",\"prompt\":\"hi\"}\n{\"id\":\"b\",\"prompt\":\"there\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	src, err := New(path, domain.ChatTypeText, slog.Default())
	if err != nil {
		t.Fatalf("New(path) error: %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", src.Len())
	}
}
