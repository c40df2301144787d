// Package e2e drives the virtual-user pipeline end to end against
// internal/mockserver, covering spec §8 scenarios S1-S4 (the scenarios
// that exercise one worker process's HTTP round trip). S5 (multi-worker
// aggregation) and S6 (reconciliation on restart) are exercised at the
// unit level in internal/coordinator and internal/supervisor, since they
// depend on process-level state this package has no business faking.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/riftlab/chatstress/internal/dataset"
	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/httpclient"
	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/mockserver"
	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/tokencount"
	"github.com/riftlab/chatstress/internal/vu"
)

func newClient(t *testing.T) *httpclient.Client {
	t.Helper()
	c, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		t.Fatalf("new http client: %v", err)
	}
	return c
}

func baseTask(targetHost string) *domain.Task {
	return &domain.Task{
		ID:              "e2e-task",
		TargetHost:      targetHost,
		APIPath:         "/chat/completions",
		Model:           "gpt-4",
		DurationSeconds: 1,
		ConcurrentUsers: 1,
		SpawnRate:       1,
		StreamMode:      true,
		ChatType:        domain.ChatTypeText,
		FieldMapping:    domain.DefaultFieldMap(),
	}
}

func runOneUser(t *testing.T, task *domain.Task) *metricemitter.Emitter {
	t.Helper()
	emitter := metricemitter.New()
	tokens := tokencount.New(1000)
	ds := dataset.Empty()
	logger := obs.NewEventLogger(task.ID, "e2e-worker")

	rt := vu.New(task, newClient(t), tokens, emitter, logger, ds)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Run(ctx)
	return emitter
}

// TestS1_SingleUserStreamHappyPath mirrors scenario S1: one virtual user,
// streaming mode, a handful of content chunks and no authoritative usage
// block, must produce exactly one successful chat_completions observation
// with token counts derived from the Token Counter rather than Usage.
func TestS1_SingleUserStreamHappyPath(t *testing.T) {
	srv := mockserver.New(mockserver.Config{Chunks: 5, ChunkText: "a"})
	defer srv.Close()

	task := baseTask(srv.URL)
	emitter := runOneUser(t, task)

	snaps := emitter.Snapshots()
	snap, ok := snaps["chat_completions"]
	if !ok {
		t.Fatalf("no chat_completions snapshot recorded: %+v", snaps)
	}
	if snap.Count != 1 {
		t.Fatalf("count = %d, want 1", snap.Count)
	}
	if snap.Failures != 0 {
		t.Fatalf("failures = %d, want 0", snap.Failures)
	}

	_, completionTokens, _ := emitter.DrainCounters()
	if completionTokens <= 0 {
		t.Fatalf("completion tokens = %d, want > 0 (token-counted fallback)", completionTokens)
	}
}

// TestS2_UsageBlockOverridesTokenCounting mirrors scenario S2: when the
// stream's final chunk carries a non-zero usage block, that usage
// authoritatively replaces the Token Counter's estimate per §4.7.
func TestS2_UsageBlockOverridesTokenCounting(t *testing.T) {
	srv := mockserver.New(mockserver.Config{Chunks: 5, ChunkText: "a", IncludeUsage: true})
	defer srv.Close()

	task := baseTask(srv.URL)
	task.FieldMapping = &domain.FieldMap{Usage: "usage"}
	emitter := runOneUser(t, task)

	_, completionTokens, totalTokens := emitter.DrainCounters()
	if completionTokens != 214 {
		t.Fatalf("completion tokens = %d, want 214 (usage override)", completionTokens)
	}
	if totalTokens != 218 {
		t.Fatalf("total tokens = %d, want 218 (usage override)", totalTokens)
	}
}

// TestS3_HTTPFailureIsRecordedAsFailure mirrors scenario S3: a 500
// response is recorded as a failure against the endpoint, with no token
// counts pushed.
func TestS3_HTTPFailureIsRecordedAsFailure(t *testing.T) {
	srv := mockserver.New(mockserver.Config{FailEveryRequest: true})
	defer srv.Close()

	task := baseTask(srv.URL)
	emitter := runOneUser(t, task)

	snaps := emitter.Snapshots()
	snap, ok := snaps["chat_completions"]
	if !ok {
		t.Fatalf("no chat_completions snapshot recorded: %+v", snaps)
	}
	if snap.Failures != 1 {
		t.Fatalf("failures = %d, want 1", snap.Failures)
	}
	if snap.Count != 0 {
		t.Fatalf("count = %d, want 0 (failed requests don't count as successes)", snap.Count)
	}

	requestCount, completionTokens, _ := emitter.DrainCounters()
	if requestCount != 0 || completionTokens != 0 {
		t.Fatalf("counters should stay at zero on failure, got requestCount=%d completionTokens=%d", requestCount, completionTokens)
	}
}

// TestS4_NonStreamCustomAPIFieldMap mirrors a non-stream custom-API run
// (the field-map-driven sibling of S1): api_path != /chat/completions
// routes through the custom_api endpoint name and the custom field map's
// content path.
func TestS4_NonStreamCustomAPIFieldMap(t *testing.T) {
	srv := mockserver.New(mockserver.Config{Chunks: 1, ChunkText: "hello"})
	defer srv.Close()

	task := baseTask(srv.URL)
	task.APIPath = "/custom/api"
	task.StreamMode = false
	task.FieldMapping = &domain.FieldMap{Content: "text"}

	emitter := runOneUser(t, task)

	snaps := emitter.Snapshots()
	snap, ok := snaps["custom_api"]
	if !ok {
		t.Fatalf("no custom_api snapshot recorded: %+v", snaps)
	}
	if snap.Count != 1 {
		t.Fatalf("count = %d, want 1", snap.Count)
	}
}
