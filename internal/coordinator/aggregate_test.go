package coordinator

import (
	"testing"

	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/workeragg"
)

// TestAggregate_SumsIncrementalCountersAcrossSnapshots mirrors spec §8
// scenario S5: per-worker request counts [500, 501, 499, 500] and
// completion tokens [5000, 5010, 4990, 5000] sum to reqs_num=2000,
// completion_tokens=20000.
func TestAggregate_SumsIncrementalCountersAcrossSnapshots(t *testing.T) {
	snaps := []workeragg.Snapshot{
		{WorkerID: "w1", RequestCount: 500, CompletionTokens: 5000, TotalTokens: 6000, Timestamp: "t1"},
		{WorkerID: "w2", RequestCount: 501, CompletionTokens: 5010, TotalTokens: 6010, Timestamp: "t1"},
		{WorkerID: "w3", RequestCount: 499, CompletionTokens: 4990, TotalTokens: 5990, Timestamp: "t1"},
		{WorkerID: "w4", RequestCount: 500, CompletionTokens: 5000, TotalTokens: 6000, Timestamp: "t1"},
	}
	reqs, completion, total, _ := Aggregate(snaps)
	if reqs != 2000 {
		t.Fatalf("reqs = %d, want 2000", reqs)
	}
	if completion != 20000 {
		t.Fatalf("completion = %d, want 20000", completion)
	}
	if total != 24000 {
		t.Fatalf("total = %d, want 24000", total)
	}
}

// TestAggregate_DuplicateSnapshotSameWorkerIsIdempotentForEndpoints
// asserts invariant 3 at the aggregation layer: feeding the same worker's
// payload twice (e.g. via a coordinator shutdown re-broadcast) must not
// double the merged endpoint view, because only the latest snapshot per
// worker_id contributes endpoints.
func TestAggregate_DuplicateSnapshotSameWorkerIsIdempotentForEndpoints(t *testing.T) {
	ep := map[string]metricemitter.Snapshot{"chat_completions": {Count: 10, Mean: 20}}
	snaps := []workeragg.Snapshot{
		{WorkerID: "w1", RequestCount: 5, Timestamp: "t1", Endpoints: ep},
		{WorkerID: "w1", RequestCount: 0, Timestamp: "t2", Endpoints: ep},
	}
	_, _, _, endpoints := Aggregate(snaps)
	if endpoints["chat_completions"].Count != 10 {
		t.Fatalf("expected single worker's endpoint count preserved once, got %+v", endpoints["chat_completions"])
	}
}

func TestAggregate_PIDReuseDoesNotMergeAcrossWorkerIDs(t *testing.T) {
	snaps := []workeragg.Snapshot{
		{WorkerID: "12345_1000", PID: 12345, RequestCount: 10, Timestamp: "t1"},
		{WorkerID: "12345_2000", PID: 12345, RequestCount: 20, Timestamp: "t1"},
	}
	reqs, _, _, _ := Aggregate(snaps)
	if reqs != 30 {
		t.Fatalf("expected both distinct worker_ids counted despite shared pid, got %d", reqs)
	}
}
