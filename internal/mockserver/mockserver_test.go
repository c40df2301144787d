package mockserver

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestChatCompletions_NonStream(t *testing.T) {
	s := New(Config{Chunks: 3, ChunkText: "a"})
	defer s.Close()

	resp, err := http.Post(s.URL+"/chat/completions", "application/json", strings.NewReader(`{"stream":false}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Choices[0].Message.Content != "aaa" {
		t.Fatalf("content = %q, want aaa", body.Choices[0].Message.Content)
	}
}

func TestChatCompletions_StreamEndsWithDone(t *testing.T) {
	s := New(Config{Chunks: 3, ChunkText: "a"})
	defer s.Close()

	resp, err := http.Post(s.URL+"/chat/completions", "application/json", strings.NewReader(`{"stream":true}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 4 {
		t.Fatalf("expected 3 chunks + [DONE], got %d lines: %v", len(lines), lines)
	}
	if lines[len(lines)-1] != "data: [DONE]" {
		t.Fatalf("last line = %q, want data: [DONE]", lines[len(lines)-1])
	}
}

func TestChatCompletions_FailEveryRequest(t *testing.T) {
	s := New(Config{FailEveryRequest: true})
	defer s.Close()

	resp, err := http.Post(s.URL+"/chat/completions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}
