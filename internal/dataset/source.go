// Package dataset implements the Prompt Source: a lazy, finite, cyclic
// sequence of Prompt Records loaded from a dataset mode (empty / "default"
// / inline JSONL / filesystem path).
//
// The cyclic-index-over-a-fixed-slice access pattern is adapted from the
// teacher's session pool (internal/session/pool.go tracks acquired
// sessions in a bounded structure and cycles through idle ones); here
// there is no acquire/release lifecycle, just a monotonic index that wraps.
package dataset

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
)

// maxWarnQueueSize is the point past which a loaded dataset logs a
// warning but is still accepted (no hard cap per spec).
const maxWarnQueueSize = 1_000_000

// rawRecord is the on-disk/inline JSONL shape.
type rawRecord struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	Text      string `json:"text"`
	Image     string `json:"image"`
	ImageURL  string `json:"image_url"`
	ImagePath string `json:"image_path"`
}

// Source is a lazy, finite, cyclically-restartable iterator over Prompt
// Records. A Source with no records (empty dataset mode) is "exhausted":
// Next returns (nil, false) forever, and callers must rely on the request
// template being intrinsically complete.
type Source struct {
	mu      sync.Mutex
	records []*domain.PromptRecord
	idx     int
}

// Empty returns a Source with no records, matching the spec's contract for
// test_data == "".
func Empty() *Source {
	return &Source{}
}

// Next returns the next Prompt Record, cycling back to the first after the
// last. Returns false if the Source is exhausted (no dataset configured).
func (s *Source) Next() (*domain.PromptRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, false
	}
	rec := s.records[s.idx]
	s.idx = (s.idx + 1) % len(s.records)
	return rec, true
}

// Len reports the number of loaded records.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// New builds a Source from task.test_data and the configured chat type.
// mode == "" yields an Empty source. mode == "default" yields a small
// built-in sample set. Otherwise mode is tried as inline JSONL first, then
// as a filesystem path.
func New(mode string, chatType domain.ChatType, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case mode == "":
		return Empty(), nil
	case mode == "default":
		return fromLines(builtinSample(), chatType, logger)
	case looksLikeJSONLContent(mode):
		return fromLines(strings.Split(mode, "\n"), chatType, logger)
	default:
		f, err := os.Open(mode)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidDataset, fmt.Sprintf("open dataset %q", mode), err)
		}
		defer f.Close()
		var lines []string
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, errs.Wrap(errs.KindInvalidDataset, fmt.Sprintf("read dataset %q", mode), err)
		}
		return fromLines(lines, chatType, logger)
	}
}

// looksLikeJSONLContent heuristically distinguishes an inline JSONL blob
// from a filesystem path: it contains a newline or starts with '{'.
func looksLikeJSONLContent(mode string) bool {
	trimmed := strings.TrimSpace(mode)
	return strings.Contains(mode, "\n") || strings.HasPrefix(trimmed, "{")
}

func fromLines(lines []string, chatType domain.ChatType, logger *slog.Logger) (*Source, error) {
	var records []*domain.PromptRecord
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw rawRecord
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			logger.Warn("skipping unparseable dataset line", "line_number", i+1, "error", err.Error())
			continue
		}
		rec := &domain.PromptRecord{ID: raw.ID}
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("prompt-%d", i)
		}
		rec.Text = firstNonEmpty(raw.Prompt, raw.Text)

		if chatType == domain.ChatTypeMultimodal {
			switch {
			case raw.Image != "":
				rec.ImageBase64 = raw.Image
			case raw.ImageURL != "":
				rec.ImageURL = raw.ImageURL
			case raw.ImagePath != "":
				data, err := os.ReadFile(raw.ImagePath)
				if err != nil {
					logger.Warn("skipping dataset line with unreadable image", "line_number", i+1, "path", raw.ImagePath, "error", err.Error())
					continue
				}
				rec.ImageBase64 = base64.StdEncoding.EncodeToString(data)
			}
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, errs.New(errs.KindInvalidDataset, "dataset yielded zero valid lines")
	}
	if len(records) > maxWarnQueueSize {
		logger.Warn("dataset exceeds recommended queue size", "size", len(records))
	}

	return &Source{records: records}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func builtinSample() []string {
	return []string{
		`{"id":"s1","prompt":"Summarize the history of the Roman Empire in two sentences."}`,
		`{"id":"s2","prompt":"Write a haiku about autumn leaves."}`,
		`{"id":"s3","prompt":"Explain the difference between TCP and UDP."}`,
		`{"id":"s4","prompt":"List three benefits of unit testing."}`,
		`{"id":"s5","prompt":"Translate 'good morning' into French, Spanish, and German."}`,
	}
}
