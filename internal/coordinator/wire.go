// Package coordinator implements the Cross-Worker Coordinator: a message
// bus between one master process and N worker processes, carried as
// length-prefixed JSON frames over a single persistent TCP connection per
// worker (per Design Notes).
//
// Grounded on the teacher's internal/controlplane/scheduler package for
// the overall shape of master-side bookkeeping (a registry of worker_id ->
// last-seen state, a heartbeat monitor loop with a stopCh/stoppedCh pair
// per internal/controlplane/scheduler/heartbeat_monitor.go) adapted from
// lease/worker-registry semantics to this spec's four message kinds.
package coordinator

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MessageKind names one of the five wire messages in the bus protocol.
type MessageKind string

const (
	KindRequestMetrics         MessageKind = "request_metrics"
	KindWorkerHeartbeat        MessageKind = "worker_heartbeat"
	KindWorkerCustomMetrics    MessageKind = "worker_custom_metrics"
	KindWorkerMetricsSent      MessageKind = "worker_metrics_sent"
	KindWorkerHeartbeatResp    MessageKind = "worker_heartbeat_response"
)

// Message is the envelope carried on the wire: Kind selects how Payload
// should be interpreted by the receiver.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	WorkerID  string          `json:"worker_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const maxFrameBytes = 8 * 1024 * 1024

// WriteFrame writes one length-prefixed JSON frame: a 4-byte big-endian
// length followed by the JSON body.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r *bufio.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return Message{}, fmt.Errorf("frame length %d exceeds max %d", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return msg, nil
}
