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

// workerConn is the master's view of one connected worker.
type workerConn struct {
	conn          net.Conn
	writer        *bufio.Writer
	mu            sync.Mutex
	lastHeartbeat time.Time
	metricsCount  int
	lastSnapshot  *workeragg.Snapshot
}

func (w *workerConn) send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := WriteFrame(w.writer, msg); err != nil {
		return err
	}
	return w.writer.Flush()
}

// Master is the coordinator's master side: it accepts one TCP connection
// per worker, tracks liveness and snapshots, and drives the shutdown
// collection protocol.
type Master struct {
	mu        sync.Mutex
	workers   map[string]*workerConn
	snapshots []workeragg.Snapshot
	dedup     DedupStore
	logger    *obs.EventLogger

	listener net.Listener
	wg       sync.WaitGroup
}

// NewMaster constructs a Master using dedup for request_id deduplication;
// a nil dedup defaults to an in-memory store.
func NewMaster(dedup DedupStore, logger *obs.EventLogger) *Master {
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	return &Master{
		workers: make(map[string]*workerConn),
		dedup:   dedup,
		logger:  logger,
	}
}

// Listen binds an ephemeral loopback TCP port and returns it; used by
// tests that don't care which port the master ends up on.
func (m *Master) Listen() (port int, err error) {
	return m.ListenAddr("127.0.0.1:0")
}

// ListenAddr binds addr, typically the fixed port the Process Supervisor
// already allocated and wired into every worker's --master-addr flag.
func (m *Master) ListenAddr(addr string) (port int, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	m.listener = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve accepts worker connections until ctx is done or Close is called.
func (m *Master) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.listener.Close()
	}()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and releases the listener.
func (m *Master) Close() error {
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}

func (m *Master) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	wc := &workerConn{conn: conn, writer: bufio.NewWriter(conn)}

	for {
		msg, err := ReadFrame(reader)
		if err != nil {
			return
		}

		if msg.WorkerID != "" {
			m.mu.Lock()
			if _, registered := m.workers[msg.WorkerID]; !registered {
				m.workers[msg.WorkerID] = wc
			}
			m.mu.Unlock()
		}

		switch msg.Kind {
		case KindWorkerHeartbeatResp:
			m.mu.Lock()
			wc.lastHeartbeat = time.Now()
			m.mu.Unlock()

		case KindWorkerCustomMetrics:
			var snap workeragg.Snapshot
			_ = json.Unmarshal(msg.Payload, &snap)

			dup, derr := m.dedup.SeenOrMark(ctx, msg.RequestID)
			if derr == nil && dup {
				if m.logger != nil {
					m.logger.LogSnapshotReceived(msg.WorkerID, msg.RequestID, true)
				}
				_ = wc.send(Message{Kind: KindWorkerMetricsSent, RequestID: msg.RequestID})
				continue
			}

			m.mu.Lock()
			wc.metricsCount++
			wc.lastSnapshot = &snap
			m.snapshots = append(m.snapshots, snap)
			m.mu.Unlock()

			if m.logger != nil {
				m.logger.LogSnapshotReceived(msg.WorkerID, msg.RequestID, false)
			}
			_ = wc.send(Message{Kind: KindWorkerMetricsSent, RequestID: msg.RequestID})
		}
	}
}

// Broadcast sends msg to every currently-registered worker, best-effort.
func (m *Master) Broadcast(msg Message) {
	m.mu.Lock()
	conns := make([]*workerConn, 0, len(m.workers))
	for _, wc := range m.workers {
		conns = append(conns, wc)
	}
	m.mu.Unlock()

	for _, wc := range conns {
		_ = wc.send(msg)
	}
}

// SnapshotCount returns how many snapshots have been received so far.
func (m *Master) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Snapshots returns a copy of every snapshot received so far.
func (m *Master) Snapshots() []workeragg.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workeragg.Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// MissingWorkerIDs returns the worker_ids expected (from knownWorkerIDs)
// that never produced a snapshot.
func (m *Master) MissingWorkerIDs(knownWorkerIDs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reported := make(map[string]bool, len(m.snapshots))
	for _, s := range m.snapshots {
		reported[s.WorkerID] = true
	}
	var missing []string
	for _, id := range knownWorkerIDs {
		if !reported[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// CollectFinal implements the shutdown collection protocol: broadcast
// request_metrics up to 3 times, 1s apart, then poll for up to 15s waiting
// for at least workerCount snapshots, re-broadcasting every 5s without
// progress. It tolerates a permanent shortfall, logging which
// knownWorkerIDs never reported.
func (m *Master) CollectFinal(ctx context.Context, workerCount int, knownWorkerIDs []string) []workeragg.Snapshot {
	for i := 0; i < 3; i++ {
		m.Broadcast(Message{Kind: KindRequestMetrics})
		if i < 2 {
			select {
			case <-time.After(1 * time.Second):
			case <-ctx.Done():
				return m.Snapshots()
			}
		}
	}

	deadline := time.Now().Add(15 * time.Second)
	lastRebroadcast := time.Now()
pollLoop:
	for time.Now().Before(deadline) {
		if m.SnapshotCount() >= workerCount {
			break
		}
		if time.Since(lastRebroadcast) >= 5*time.Second {
			m.Broadcast(Message{Kind: KindRequestMetrics})
			lastRebroadcast = time.Now()
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			break pollLoop
		}
	}

	if missing := m.MissingWorkerIDs(knownWorkerIDs); len(missing) > 0 && m.logger != nil {
		m.logger.LogSupervisorEvent("metrics_collection_shortfall", 0, fmt.Sprintf("missing workers: %v", missing))
	}

	return m.Snapshots()
}
