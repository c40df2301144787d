// Package workeragg implements the Worker Aggregator: the per-worker-
// process holder of the Worker Counters and wall-clock start time,
// snapshotted on demand by the Cross-Worker Coordinator.
//
// Grounded on the teacher's internal/analysis/aggregator.go for the shape
// of "accumulate counters, expose a derived summary on request" — this
// component is a single int64 triple rather than the teacher's
// per-operation latency percentile tables (those live in
// internal/metricemitter instead, grounded on internal/metrics/prometheus.go).
package workeragg

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/riftlab/chatstress/internal/metricemitter"
)

// Snapshot is the payload returned by Aggregator.Snapshot, matching the
// worker_custom_metrics message body.
type Snapshot struct {
	RequestCount     int64  `json:"request_count"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	WorkerID         string `json:"worker_id"`
	PID              int    `json:"pid"`
	RequestID        string `json:"request_id"`
	Timestamp        string `json:"timestamp"`

	// Endpoints carries this worker's own per-endpoint latency histogram
	// alongside the token counters, so the master can build the Run
	// Snapshot's locust_stats rows without re-deriving latency data it
	// never observed directly.
	Endpoints map[string]metricemitter.Snapshot `json:"endpoints,omitempty"`
}

// Aggregator holds one worker's Worker Counters (via its Emitter) and
// mints a monotonic request_id per snapshot.
type Aggregator struct {
	mu        sync.Mutex
	workerID  string
	startedAt time.Time
	emitter   *metricemitter.Emitter
	seq       int64
}

// New constructs an Aggregator for workerID, draining counters from
// emitter on every Snapshot call.
func New(workerID string, emitter *metricemitter.Emitter) *Aggregator {
	return &Aggregator{
		workerID:  workerID,
		startedAt: time.Now(),
		emitter:   emitter,
	}
}

// Snapshot drains the Worker Counters exactly once and returns the
// resulting payload. Safe for concurrent callers; draining is
// mutex-serialized so two concurrent Snapshot calls never double-count
// or drop a counter increment landing between them.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	requestCount, completionTokens, totalTokens := a.emitter.DrainCounters()

	return Snapshot{
		RequestCount:     requestCount,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		WorkerID:         a.workerID,
		PID:              os.Getpid(),
		RequestID:        fmt.Sprintf("%s-%d", a.workerID, a.seq),
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		Endpoints:        a.emitter.Snapshots(),
	}
}

// StartedAt returns the wall-clock time the Aggregator (and so the
// worker's accounting) began.
func (a *Aggregator) StartedAt() time.Time {
	return a.startedAt
}
