package coordinator

import (
	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/workeragg"
)

// Aggregate combines every snapshot the master collected for one run into
// the master's final counters and per-endpoint latency view, per §4.9's
// aggregation rule: sum request_count/completion_tokens/total_tokens over
// snapshots, deduplicated by worker_id (not PID, since PIDs can be
// reused). Per-worker counter snapshots are themselves incremental
// (drained on read), so every received snapshot contributes to the sum;
// each worker's endpoint histogram is cumulative for the run, so only
// that worker's most recent snapshot contributes to the merged latency
// view.
func Aggregate(snapshots []workeragg.Snapshot) (requestCount, completionTokens, totalTokens int64, endpoints map[string]metricemitter.Snapshot) {
	latestByWorker := make(map[string]workeragg.Snapshot)

	for _, s := range snapshots {
		requestCount += s.RequestCount
		completionTokens += s.CompletionTokens
		totalTokens += s.TotalTokens

		if prev, ok := latestByWorker[s.WorkerID]; !ok || s.Timestamp >= prev.Timestamp {
			latestByWorker[s.WorkerID] = s
		}
	}

	perEndpoint := make(map[string][]metricemitter.Snapshot)
	for _, s := range latestByWorker {
		for name, es := range s.Endpoints {
			perEndpoint[name] = append(perEndpoint[name], es)
		}
	}

	endpoints = make(map[string]metricemitter.Snapshot, len(perEndpoint))
	for name, snaps := range perEndpoint {
		endpoints[name] = metricemitter.MergeSnapshots(snaps)
	}
	return
}
