package obs

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured JSON logging for the stress engine core,
// one instance per task/worker/run, with run_id/worker_id baked in as
// attributes on every record.
type EventLogger struct {
	logger   *slog.Logger
	taskID   string
	workerID string
}

// NewEventLogger creates an EventLogger writing JSON to stdout.
func NewEventLogger(taskID, workerID string) *EventLogger {
	return NewEventLoggerWithWriter(taskID, workerID, os.Stdout)
}

// NewEventLoggerWithWriter creates an EventLogger writing JSON to w (tests
// redirect this to a buffer).
func NewEventLoggerWithWriter(taskID, workerID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler).With("task_id", taskID, "worker_id", workerID)
	return &EventLogger{logger: logger, taskID: taskID, workerID: workerID}
}

// NoopEventLogger discards everything; used when a caller has no task/worker
// context yet (e.g. before a task is claimed).
func NoopEventLogger() *EventLogger {
	return NewEventLoggerWithWriter("", "", io.Discard)
}

// LogMetricEvent logs one emitted Metric Event (kind/value_ms/success).
func (el *EventLogger) LogMetricEvent(kind string, valueMs float64, success bool) {
	el.logger.Info("metric_event", "kind", kind, "value_ms", valueMs, "success", success)
}

// LogRequestFailure logs a failed request with its cause.
func (el *EventLogger) LogRequestFailure(name string, cause error) {
	el.logger.Warn("request_failure", "name", name, "cause", cause.Error())
}

// LogWorkerHeartbeat logs a liveness probe/response.
func (el *EventLogger) LogWorkerHeartbeat(workerID string, ok bool) {
	el.logger.Info("worker_heartbeat", "observed_worker_id", workerID, "ok", ok)
}

// LogSnapshotReceived logs a deduplicated/received worker snapshot.
func (el *EventLogger) LogSnapshotReceived(workerID, requestID string, duplicate bool) {
	el.logger.Info("snapshot_received", "observed_worker_id", workerID, "request_id", requestID, "duplicate", duplicate)
}

// LogSupervisorEvent logs a process supervision lifecycle event (spawn,
// terminate, orphan reap).
func (el *EventLogger) LogSupervisorEvent(event string, pid int, detail string) {
	el.logger.Info("supervisor_"+event, "pid", pid, "detail", detail)
}

// LogTaskTransition logs a task status transition.
func (el *EventLogger) LogTaskTransition(from, to, reason string) {
	el.logger.Info("task_transition", "from", from, "to", to, "reason", reason)
}

var (
	globalMu     sync.RWMutex
	globalLogger *EventLogger
)

// SetGlobal installs the process-wide default logger.
func SetGlobal(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide default logger, or a no-op logger if none
// has been set.
func Global() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}
