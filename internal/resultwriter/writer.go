// Package resultwriter implements the Result Writer: transforming the
// master's final Run Snapshot into persisted task_results rows, per
// spec §4.12.
//
// Grounded on the teacher's internal/analysis/reporter.go (shaping an
// in-memory aggregate into persisted rows inside one transaction) and
// internal/artifacts/store.go (filesystem sink read-then-delete
// convention for the Run Snapshot file).
package resultwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/taskstore"
)

// SnapshotPath returns the filesystem location of the Run Snapshot file
// for taskID under tmpDir, per §3/§6.
func SnapshotPath(tmpDir, taskID string) string {
	return filepath.Join(tmpDir, "locust_result", taskID, "result.json")
}

// BuildSnapshot assembles the Run Snapshot's custom_metrics block and
// locust_stats rows from the master's aggregated counters and per-
// endpoint histograms. executionTimeSec must be > 0 for TPS fields to be
// non-zero (a zero or negative value yields 0.0 for both).
func BuildSnapshot(taskID string, requestCount, completionTokens, totalTokens int64, executionTimeSec float64, endpoints map[string]metricemitter.Snapshot) domain.RunSnapshot {
	custom := domain.CustomMetrics{ReqsNum: int(requestCount)}
	if executionTimeSec > 0 {
		custom.ReqThroughput = float64(requestCount) / executionTimeSec
		custom.CompletionTPS = float64(completionTokens) / executionTimeSec
		custom.TotalTPS = float64(totalTokens) / executionTimeSec
	}
	if requestCount > 0 {
		custom.AvgCompletionTokensPerReq = float64(completionTokens) / float64(requestCount)
		custom.AvgTotalTokensPerReq = float64(totalTokens) / float64(requestCount)
	}

	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	stats := make([]domain.LocustStat, 0, len(endpoints))
	for name, snap := range endpoints {
		rps := 0.0
		if executionTimeSec > 0 {
			rps = float64(snap.Count) / executionTimeSec
		}
		stats = append(stats, domain.LocustStat{
			TaskID:           taskID,
			MetricType:       name,
			NumRequests:      int(snap.Count),
			NumFailures:      int(snap.Failures),
			AvgLatency:       snap.Mean,
			MinLatency:       snap.Min,
			MaxLatency:       snap.Max,
			MedianLatency:    snap.Median,
			P90Latency:       snap.P90,
			AvgContentLength: snap.AvgContentLength,
			RPS:              rps,
			CreatedAt:        now,
		})
	}

	return domain.RunSnapshot{CustomMetrics: custom, LocustStats: stats}
}

// WriteFile serializes snap to the Run Snapshot file path for taskID under
// tmpDir, creating parent directories as needed.
func WriteFile(tmpDir, taskID string, snap domain.RunSnapshot) error {
	path := SnapshotPath(tmpDir, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir run snapshot dir: %w", err)
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	return os.WriteFile(path, body, 0o644)
}

// ReadFile reads and parses the Run Snapshot file for taskID under tmpDir.
func ReadFile(tmpDir, taskID string) (*domain.RunSnapshot, error) {
	path := SnapshotPath(tmpDir, taskID)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run snapshot: %w", err)
	}
	var snap domain.RunSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal run snapshot: %w", err)
	}
	return &snap, nil
}

// RemoveDir deletes the per-task run-snapshot directory after it has been
// consumed exactly once, per §3's Run Snapshot lifecycle.
func RemoveDir(tmpDir, taskID string) error {
	return os.RemoveAll(filepath.Join(tmpDir, "locust_result", taskID))
}

// Writer persists a consumed Run Snapshot into the task_results schema.
type Writer struct {
	store *taskstore.Store
}

// New constructs a Writer against store.
func New(store *taskstore.Store) *Writer {
	return &Writer{store: store}
}

// Write inserts one row per snapshot.LocustStats entry plus one derived
// token_metrics row, all in a single transaction, per §4.12.
func (w *Writer) Write(ctx context.Context, taskID string, snap domain.RunSnapshot) error {
	if err := w.store.InsertResults(ctx, taskID, snap.LocustStats, snap.CustomMetrics); err != nil {
		return errs.Wrap(errs.KindStore, "write results", err)
	}
	return nil
}

// Consume reads the Run Snapshot file, writes its rows, and removes the
// per-task snapshot directory — the Run Snapshot file is consumed exactly
// once per §3's lifecycle. The snapshot's TPS fields are already derived
// against the master's own execution-time measurement (BuildSnapshot, run
// inside cmd/worker), so Consume needs no execution-time input of its own.
func (w *Writer) Consume(ctx context.Context, tmpDir, taskID string) error {
	snap, err := ReadFile(tmpDir, taskID)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, taskID, *snap); err != nil {
		return err
	}
	return RemoveDir(tmpDir, taskID)
}
