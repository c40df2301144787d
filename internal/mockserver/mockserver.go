// Package mockserver implements an OpenAI-compatible mock chat-completions
// endpoint (streaming and non-streaming) plus a field-map-driven custom
// JSON endpoint, used by integration tests and local smoke runs to drive
// S1-S3 from spec §8 against a real HTTP server rather than an in-process
// fake. Never used on the production control path.
//
// Grounded on the teacher's test mock server (internal/mockserver,
// cmd/mockserver in the example pack) adapted from MCP tool-call
// responses to OpenAI/custom chat-completions responses.
package mockserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
)

// Config controls one server's canned behavior, read from query
// parameters so S1-S3 scenarios can each point at a differently-tuned
// instance without separate binaries.
type Config struct {
	// Chunks is the number of content chunks a streaming chat-completions
	// response emits before [DONE].
	Chunks int
	// ChunkText is the content appended in each chunk.
	ChunkText string
	// FailEveryRequest, when true, makes every call return 500.
	FailEveryRequest bool
	// IncludeUsage appends a usage block to the final chunk/response.
	IncludeUsage bool
}

// Server wraps an httptest.Server exposing /chat/completions (the
// literal api_path that selects OpenAI mode per §4.13) and /custom/api.
type Server struct {
	*httptest.Server
	cfg Config
}

func withDefaults(cfg Config) Config {
	if cfg.Chunks <= 0 {
		cfg.Chunks = 3
	}
	if cfg.ChunkText == "" {
		cfg.ChunkText = "a"
	}
	return cfg
}

// New starts a mock server with cfg as its default behavior; individual
// requests can still override Chunks/fail/usage via query parameters
// (?chunks=N, ?fail=1, ?usage=1).
func New(cfg Config) *Server {
	s := &Server{cfg: withDefaults(cfg)}
	s.Server = httptest.NewServer(NewHandler(cfg))
	return s
}

// NewHandler builds the routed http.Handler directly, usable by a
// standalone http.ListenAndServe (cmd/mockchat) as well as by
// httptest.NewServer (New, above).
func NewHandler(cfg Config) http.Handler {
	s := &Server{cfg: withDefaults(cfg)}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/custom/api", s.handleCustomAPI)
	return mux
}

func (s *Server) effective(r *http.Request) Config {
	cfg := s.cfg
	q := r.URL.Query()
	if v := q.Get("chunks"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunks = n
		}
	}
	if q.Get("fail") == "1" {
		cfg.FailEveryRequest = true
	}
	if q.Get("usage") == "1" {
		cfg.IncludeUsage = true
	}
	return cfg
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := s.effective(r)
	if cfg.FailEveryRequest {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal"}`))
		return
	}

	var req struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !req.Stream {
		s.writeNonStreamChat(w, cfg)
		return
	}
	s.writeStreamChat(w, cfg)
}

func (s *Server) writeNonStreamChat(w http.ResponseWriter, cfg Config) {
	content := ""
	for i := 0; i < cfg.Chunks; i++ {
		content += cfg.ChunkText
	}
	body := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	if cfg.IncludeUsage {
		body["usage"] = map[string]any{
			"prompt_tokens": 4, "completion_tokens": 214, "total_tokens": 218,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeStreamChat(w http.ResponseWriter, cfg Config) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	for i := 0; i < cfg.Chunks; i++ {
		chunk := map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]any{"content": cfg.ChunkText}},
			},
		}
		writeSSE(w, chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}

	if cfg.IncludeUsage {
		final := map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{"content": ""}}},
			"usage": map[string]any{
				"prompt_tokens": 4, "completion_tokens": 214, "total_tokens": 218,
			},
		}
		writeSSE(w, final)
		if flusher != nil {
			flusher.Flush()
		}
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// handleCustomAPI drives a field-map scenario: request body carries a
// "prompt" field (per a caller-configured field map) and the response
// echoes it back inside a "text" field, using the same stream/non-stream
// switch.
func (s *Server) handleCustomAPI(w http.ResponseWriter, r *http.Request) {
	cfg := s.effective(r)
	if cfg.FailEveryRequest {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal"}`))
		return
	}

	q := r.URL.Query()
	if q.Get("stream") == "1" {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < cfg.Chunks; i++ {
			writeSSE(w, map[string]any{"text": cfg.ChunkText})
			if flusher != nil {
				flusher.Flush()
			}
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"text": cfg.ChunkText})
}

func writeSSE(w http.ResponseWriter, payload map[string]any) {
	body, _ := json.Marshal(payload)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
}
