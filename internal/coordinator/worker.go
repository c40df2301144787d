package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/workeragg"
)

const (
	sendRetries    = 3
	sendBackoff    = 500 * time.Millisecond
)

// Worker is the coordinator's worker-side client: one persistent TCP
// connection to the master, handling request_metrics/worker_heartbeat
// pushes from the master by calling back into a local Aggregator.
type Worker struct {
	workerID string
	agg      *workeragg.Aggregator
	logger   *obs.EventLogger

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	reqSeq int
}

// DialWorker connects to the master at addr (host:port) and registers
// workerID.
func DialWorker(addr, workerID string, agg *workeragg.Aggregator, logger *obs.EventLogger) (*Worker, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial master: %w", err)
	}
	return &Worker{
		workerID: workerID,
		agg:      agg,
		logger:   logger,
		conn:     conn,
		writer:   bufio.NewWriter(conn),
	}, nil
}

// Close releases the master connection.
func (w *Worker) Close() error {
	return w.conn.Close()
}

func (w *Worker) send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg.WorkerID = w.workerID
	if err := WriteFrame(w.writer, msg); err != nil {
		return err
	}
	return w.writer.Flush()
}

// Serve reads frames from the master until ctx is done or the connection
// closes, responding to worker_heartbeat with worker_heartbeat_response
// and to request_metrics by taking a snapshot and sending it (with
// ack-retry per the spec's worker send contract).
func (w *Worker) Serve(ctx context.Context) {
	reader := bufio.NewReader(w.conn)
	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	for {
		msg, err := ReadFrame(reader)
		if err != nil {
			return
		}
		switch msg.Kind {
		case KindWorkerHeartbeat:
			_ = w.send(Message{Kind: KindWorkerHeartbeatResp})
		case KindRequestMetrics:
			w.sendSnapshotWithRetry(ctx)
		}
	}
}

// sendSnapshotWithRetry implements the worker's send contract: pair a
// snapshot with a subsequent worker_metrics_sent acknowledgement, retrying
// up to 3 times with 500ms backoff before giving up on this one snapshot.
func (w *Worker) sendSnapshotWithRetry(ctx context.Context) {
	snap := w.agg.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}

	for attempt := 0; attempt <= sendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendBackoff):
			}
		}
		if err := w.send(Message{
			Kind:      KindWorkerCustomMetrics,
			RequestID: snap.RequestID,
			Payload:   payload,
		}); err != nil {
			continue
		}
		return
	}

	if w.logger != nil {
		w.logger.LogSupervisorEvent("snapshot_send_failed", 0, snap.RequestID)
	}
}
