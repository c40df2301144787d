package resultwriter

import (
	"testing"

	"github.com/riftlab/chatstress/internal/metricemitter"
)

func TestBuildSnapshot_DerivedTokenMetrics(t *testing.T) {
	// Mirrors spec §8 scenario S5: reqs_num=2000, completion_tokens=20000,
	// execution_time=20s => completion_tps=1000.0.
	snap := BuildSnapshot("task-s5", 2000, 20000, 40000, 20.0, nil)

	if snap.CustomMetrics.ReqsNum != 2000 {
		t.Fatalf("ReqsNum = %d, want 2000", snap.CustomMetrics.ReqsNum)
	}
	if snap.CustomMetrics.CompletionTPS != 1000.0 {
		t.Fatalf("CompletionTPS = %v, want 1000.0", snap.CustomMetrics.CompletionTPS)
	}
	if snap.CustomMetrics.TotalTPS != 2000.0 {
		t.Fatalf("TotalTPS = %v, want 2000.0", snap.CustomMetrics.TotalTPS)
	}
	if snap.CustomMetrics.AvgCompletionTokensPerReq != 10.0 {
		t.Fatalf("AvgCompletionTokensPerReq = %v, want 10.0", snap.CustomMetrics.AvgCompletionTokensPerReq)
	}
}

func TestBuildSnapshot_ZeroRequestsAvoidsDivideByZero(t *testing.T) {
	snap := BuildSnapshot("task-empty", 0, 0, 0, 0, nil)
	if snap.CustomMetrics.AvgCompletionTokensPerReq != 0 || snap.CustomMetrics.AvgTotalTokensPerReq != 0 {
		t.Fatalf("expected zero averages for zero requests, got %+v", snap.CustomMetrics)
	}
	if snap.CustomMetrics.ReqThroughput != 0 {
		t.Fatalf("expected zero throughput with zero execution time, got %v", snap.CustomMetrics.ReqThroughput)
	}
}

func TestBuildSnapshot_EndpointRows(t *testing.T) {
	endpoints := map[string]metricemitter.Snapshot{
		"chat_completions": {Count: 10, Failures: 1, Min: 5, Max: 50, Mean: 20, Median: 18, P90: 45, AvgContentLength: 12.5},
	}
	snap := BuildSnapshot("task-x", 10, 100, 200, 10.0, endpoints)
	if len(snap.LocustStats) != 1 {
		t.Fatalf("expected 1 locust stat row, got %d", len(snap.LocustStats))
	}
	row := snap.LocustStats[0]
	if row.MetricType != "chat_completions" || row.NumRequests != 10 || row.NumFailures != 1 {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.RPS != 1.0 {
		t.Fatalf("RPS = %v, want 1.0", row.RPS)
	}
}
