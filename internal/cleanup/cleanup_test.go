package cleanup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/riftlab/chatstress/internal/domain"
)

func TestTask_RemovesFilesystemDatasetAndCerts(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "prompts.jsonl")
	cert := filepath.Join(dir, "client.pem")
	key := filepath.Join(dir, "client.key")
	for _, p := range []string{dataset, cert, key} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}

	task := &domain.Task{TestData: dataset, CertFile: cert, KeyFile: key}
	Task(task, nil)

	for _, p := range []string{dataset, cert, key} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err=%v", p, err)
		}
	}
}

func TestTask_GuardsDefaultAndInlineDataset(t *testing.T) {
	dir := t.TempDir()
	// A file literally named "default" must never be touched: the guard
	// is on the *value* of TestData, not on resolving it to a path.
	sentinel := filepath.Join(dir, "default")
	if err := os.WriteFile(sentinel, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	task := &domain.Task{TestData: "default"}
	Task(task, nil)

	if _, err := os.Stat(sentinel); err != nil {
		t.Fatalf("expected sentinel file untouched: %v", err)
	}

	task2 := &domain.Task{TestData: `{"id":"1","prompt":"hi"}`}
	Task(task2, nil) // must not attempt to remove inline JSONL as a path
}

func TestIsFilesystemPath(t *testing.T) {
	cases := map[string]bool{
		"":                        false,
		"default":                 false,
		`{"id":"1"}`:              false,
		"  {\"id\":\"1\"}":        false,
		"/tmp/prompts.jsonl":      true,
		"relative/prompts.jsonl":  true,
	}
	for in, want := range cases {
		if got := isFilesystemPath(in); got != want {
			t.Errorf("isFilesystemPath(%q) = %v, want %v", in, got, want)
		}
	}
}
