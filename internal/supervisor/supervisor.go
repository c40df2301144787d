// Package supervisor implements the Process Supervisor: launching the
// generator process group (one master, N workers), tracking PIDs,
// performing graceful-then-forced termination, and reaping orphans.
//
// Grounded on the teacher's cmd/agent/main.go gopsutil usage
// (process.Processes(), process.NewProcess, p.Cmdline()/p.Kill()) for
// process inspection, generalized from a single-PID agent lookup to a
// process-group lifecycle; the failure-classification shape is grounded
// on internal/controlplane/runmanager/worker_failure.go.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
	"github.com/riftlab/chatstress/internal/obs"
)

const (
	// concurrencyThreshold is the concurrent-users ceiling below which a
	// single process is used regardless of CPU count.
	concurrencyThreshold = 1000
	// minUsersPerProcess bounds how many processes a very large
	// concurrency target is allowed to demand.
	minUsersPerProcess = 600
	// maxProcesses caps worker-process fan-out.
	maxProcesses = 8
)

// WorkerCount implements the §4.10 process-count formula.
func WorkerCount(concurrentUsers, cpuCount int, forcedSingle bool) int {
	if concurrentUsers <= concurrencyThreshold || cpuCount <= 1 || forcedSingle {
		return 0
	}
	n := cpuCount
	if n > maxProcesses {
		n = maxProcesses
	}
	byUsers := concurrentUsers / minUsersPerProcess
	if byUsers < n {
		n = byUsers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// CPUCount reports the logical CPU count via gopsutil, falling back to 1
// on error so WorkerCount degrades to single-process rather than failing.
func CPUCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		return 1
	}
	return counts
}

// ProcessGroup is one running master+workers set for a single task.
type ProcessGroup struct {
	TaskID  string
	Port    int
	Master  *exec.Cmd
	Workers []*exec.Cmd
	stderr  *bytes.Buffer
}

// AllPIDs returns every PID in the group (master first).
func (g *ProcessGroup) AllPIDs() []int {
	pids := make([]int, 0, len(g.Workers)+1)
	if g.Master != nil && g.Master.Process != nil {
		pids = append(pids, g.Master.Process.Pid)
	}
	for _, w := range g.Workers {
		if w.Process != nil {
			pids = append(pids, w.Process.Pid)
		}
	}
	return pids
}

// Supervisor launches and tears down generator process groups.
type Supervisor struct {
	WorkerBin string
	PortLow   int
	PortHigh  int
	logger    *obs.EventLogger

	mu          sync.Mutex
	ports       map[int]string // port -> task_id
	trackedPIDs map[int]bool   // every PID currently owned by a live ProcessGroup
}

// New constructs a Supervisor that launches workerBin as both the master
// and worker role (selected via --role), allocating ports from
// [portLow, portHigh).
func New(workerBin string, portLow, portHigh int, logger *obs.EventLogger) *Supervisor {
	if logger == nil {
		logger = obs.NoopEventLogger()
	}
	return &Supervisor{
		WorkerBin:   workerBin,
		PortLow:     portLow,
		PortHigh:    portHigh,
		logger:      logger,
		ports:       make(map[int]string),
		trackedPIDs: make(map[int]bool),
	}
}

// AllocatePort reserves a free port in [PortLow, PortHigh) for taskID.
func (s *Supervisor) AllocatePort(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := s.PortLow; p < s.PortHigh; p++ {
		if _, taken := s.ports[p]; !taken {
			s.ports[p] = taskID
			return p, nil
		}
	}
	return 0, errs.New(errs.KindSupervision, fmt.Sprintf("no free port in [%d, %d)", s.PortLow, s.PortHigh))
}

// ReleasePort frees port for reuse by a later task.
func (s *Supervisor) ReleasePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, port)
}

// Spawn starts one master process and N worker processes for task,
// wiring the master's allocated port into every worker's --master-addr
// flag. N is computed by WorkerCount.
func (s *Supervisor) Spawn(ctx context.Context, task *domain.Task, forcedSingle bool) (*ProcessGroup, error) {
	s.SweepStray(ctx)

	port, err := s.AllocatePort(task.ID)
	if err != nil {
		return nil, err
	}

	n := WorkerCount(task.ConcurrentUsers, CPUCount(), forcedSingle)
	processes := n
	if processes == 0 {
		processes = 1
	}

	pg := &ProcessGroup{TaskID: task.ID, Port: port, stderr: &bytes.Buffer{}}

	masterArgs := taskFlags(task, "master", port, task.ConcurrentUsers, processes)
	pg.Master = exec.Command(s.WorkerBin, masterArgs...)
	pg.Master.Stderr = pg.stderr
	if err := pg.Master.Start(); err != nil {
		s.ReleasePort(port)
		return nil, errs.Wrap(errs.KindSupervision, "spawn master", err)
	}
	s.trackPID(pg.Master.Process.Pid)
	s.logger.LogSupervisorEvent("spawn_master", pg.Master.Process.Pid, task.ID)

	usersPerWorker := task.ConcurrentUsers / processes
	for i := 0; i < processes; i++ {
		workerArgs := taskFlags(task, "worker", port, usersPerWorker, processes)
		cmd := exec.Command(s.WorkerBin, workerArgs...)
		if err := cmd.Start(); err != nil {
			s.killAll(pg)
			s.untrackPIDs(pg.AllPIDs())
			s.ReleasePort(port)
			return nil, errs.Wrap(errs.KindSupervision, "spawn worker", err)
		}
		s.trackPID(cmd.Process.Pid)
		s.logger.LogSupervisorEvent("spawn_worker", cmd.Process.Pid, task.ID)
		pg.Workers = append(pg.Workers, cmd)
	}

	return pg, nil
}

func (s *Supervisor) trackPID(pid int) {
	s.mu.Lock()
	s.trackedPIDs[pid] = true
	s.mu.Unlock()
}

func (s *Supervisor) untrackPIDs(pids []int) {
	s.mu.Lock()
	for _, pid := range pids {
		delete(s.trackedPIDs, pid)
	}
	s.mu.Unlock()
}

// SweepStray terminates every generator-looking process already on the
// host (matching "--role=master"/"--role=worker" in its argv) that this
// Supervisor did not itself spawn — a stray a prior crash or restart left
// running. Run unconditionally at the start of every Spawn, this is a
// different cadence from ReapOrphans' age-gated periodic pass: it treats
// every untracked generator process as stale regardless of age, the same
// "clear the decks before this run" sweep a process manager of this shape
// does ahead of each new task rather than only at engine startup.
func (s *Supervisor) SweepStray(ctx context.Context) int {
	procs, err := process.Processes()
	if err != nil {
		s.logger.LogSupervisorEvent("sweep_list_failed", 0, err.Error())
		return 0
	}

	s.mu.Lock()
	tracked := make(map[int32]bool, len(s.trackedPIDs))
	for pid := range s.trackedPIDs {
		tracked[int32(pid)] = true
	}
	s.mu.Unlock()

	self := int32(os.Getpid())
	var swept int
	for _, p := range procs {
		if p.Pid == self || tracked[p.Pid] {
			continue
		}
		cmdline, err := p.CmdlineSlice()
		if err != nil || !isGeneratorProcess(cmdline) {
			continue
		}
		if err := p.Kill(); err == nil {
			swept++
			s.logger.LogSupervisorEvent("stray_swept", int(p.Pid), strings.Join(cmdline, " "))
		}
	}
	return swept
}

func taskFlags(task *domain.Task, role string, port, users, processes int) []string {
	args := []string{
		"--role=" + role,
		"--task-id=" + task.ID,
		"--master-addr=" + fmt.Sprintf("127.0.0.1:%d", port),
		"--api_path=" + task.APIPath,
		"--model_name=" + task.Model,
		"--stream_mode=" + strconv.FormatBool(task.StreamMode),
		"--chat_type=" + strconv.Itoa(int(task.ChatType)),
		"--test_data=" + task.TestData,
		"--request_payload=" + task.RequestPayload,
		"--users=" + strconv.Itoa(users),
		"--spawn-rate=" + strconv.FormatFloat(task.SpawnRate, 'f', -1, 64),
		"--run-time=" + strconv.Itoa(task.DurationSeconds),
		"--processes=" + strconv.Itoa(processes),
		"--host=" + task.TargetHost,
	}
	if task.CertFile != "" {
		args = append(args, "--cert_file="+task.CertFile)
	}
	if task.KeyFile != "" {
		args = append(args, "--key_file="+task.KeyFile)
	}
	return args
}

// WaitStableChildren polls the master's child process set (via gopsutil)
// until it is stable for 3 consecutive 1-second intervals, or 15 seconds
// elapse, whichever comes first. Used after Spawn to confirm every worker
// registered before the run proceeds.
func (s *Supervisor) WaitStableChildren(ctx context.Context, pg *ProcessGroup) {
	if pg.Master == nil || pg.Master.Process == nil {
		return
	}
	masterPID := int32(pg.Master.Process.Pid)

	deadline := time.Now().Add(15 * time.Second)
	var lastCount, stableRounds int
	for time.Now().Before(deadline) && stableRounds < 3 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		p, err := process.NewProcess(masterPID)
		if err != nil {
			return
		}
		children, err := p.Children()
		count := len(pg.Workers)
		if err == nil {
			count = len(children)
		}
		if count == lastCount {
			stableRounds++
		} else {
			stableRounds = 0
		}
		lastCount = count
	}
}

// Wait blocks until the master process exits (the generator process whose
// exit code carries §6's exit-code semantics), returning its exit code and
// the captured stderr tail (truncated to 65,000 characters per §7).
func (s *Supervisor) Wait(pg *ProcessGroup) (exitCode int, stderrTail string, err error) {
	waitErr := pg.Master.Wait()
	tail := ""
	if pg.stderr != nil {
		tail = errs.TruncateTail(pg.stderr.String(), 65000)
	}
	if waitErr == nil {
		return 0, tail, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), tail, nil
	}
	return -1, tail, waitErr
}

// Teardown sends a graceful terminate to master and every recorded child,
// waits up to task.DurationSeconds+99+60 seconds, then forcibly kills
// residuals, waits up to 5 more seconds, and logs any process that could
// not be killed. Always releases the group's port.
func (s *Supervisor) Teardown(ctx context.Context, pg *ProcessGroup, task *domain.Task) {
	defer s.ReleasePort(pg.Port)
	defer s.untrackPIDs(pg.AllPIDs())

	cmds := append([]*exec.Cmd{pg.Master}, pg.Workers...)
	for _, cmd := range cmds {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Duration(task.DurationSeconds+99+60) * time.Second
	done := make(chan struct{})
	go func() {
		for _, cmd := range cmds {
			if cmd != nil {
				cmd.Wait()
			}
		}
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(deadline):
	case <-ctx.Done():
	}

	s.killAll(pg)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		for _, cmd := range cmds {
			if cmd != nil && cmd.Process != nil {
				if err := cmd.Process.Signal(syscall.Signal(0)); err == nil {
					s.logger.LogSupervisorEvent("unkillable", cmd.Process.Pid, task.ID)
				}
			}
		}
	}
}

func (s *Supervisor) killAll(pg *ProcessGroup) {
	for _, pid := range pg.AllPIDs() {
		if p, err := process.NewProcess(int32(pid)); err == nil {
			_ = p.Kill()
		}
	}
}

// ReconcileResult is one startup-reconciliation decision.
type ReconcileResult struct {
	TaskID string
	Reason string
}

// Reconcile implements §4.10 startup reconciliation: for every task ID in
// runningOrLocked, check whether a live process carries "--task-id=<id>"
// in its command line. If one exists, it is terminated and the task is
// marked failed with "process orphaned by engine restart". If none
// exists, the task is marked failed with the literal reason the spec's
// S6 scenario requires.
func (s *Supervisor) Reconcile(ctx context.Context, runningOrLocked []string) []ReconcileResult {
	procs, err := process.Processes()
	if err != nil {
		s.logger.LogSupervisorEvent("reconcile_list_failed", 0, err.Error())
		procs = nil
	}

	results := make([]ReconcileResult, 0, len(runningOrLocked))
	for _, taskID := range runningOrLocked {
		needle := "--task-id=" + taskID
		found := false
		for _, p := range procs {
			cmdline, err := p.CmdlineSlice()
			if err != nil {
				continue
			}
			if containsArg(cmdline, needle) {
				found = true
				_ = p.Kill()
				break
			}
		}
		if found {
			results = append(results, ReconcileResult{TaskID: taskID, Reason: "process orphaned by engine restart"})
		} else {
			results = append(results, ReconcileResult{TaskID: taskID, Reason: "Task process was not found after an engine restart."})
		}
	}
	return results
}

func containsArg(cmdline []string, needle string) bool {
	for _, arg := range cmdline {
		if strings.Contains(arg, needle) {
			return true
		}
	}
	return false
}

// ReapOrphans finds Locust-like processes (carrying "--role=master" or
// "--role=worker" in argv) older than maxAge whose command line does not
// reference any of activeTaskIDs, and terminates them.
func (s *Supervisor) ReapOrphans(ctx context.Context, activeTaskIDs []string, maxAge time.Duration) []int {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}

	active := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		active[id] = true
	}

	var reaped []int
	now := time.Now()
	for _, p := range procs {
		cmdline, err := p.CmdlineSlice()
		if err != nil || !isGeneratorProcess(cmdline) {
			continue
		}
		createMs, err := p.CreateTime()
		if err != nil {
			continue
		}
		age := now.Sub(time.UnixMilli(createMs))
		if age <= maxAge {
			continue
		}
		if belongsToActiveTask(cmdline, active) {
			continue
		}
		if err := p.Kill(); err == nil {
			reaped = append(reaped, int(p.Pid))
			s.logger.LogSupervisorEvent("orphan_reaped", int(p.Pid), strings.Join(cmdline, " "))
		}
	}
	return reaped
}

func isGeneratorProcess(cmdline []string) bool {
	for _, arg := range cmdline {
		if arg == "--role=master" || arg == "--role=worker" {
			return true
		}
	}
	return false
}

func belongsToActiveTask(cmdline []string, active map[string]bool) bool {
	for _, arg := range cmdline {
		if !strings.HasPrefix(arg, "--task-id=") {
			continue
		}
		id := strings.TrimPrefix(arg, "--task-id=")
		if active[id] {
			return true
		}
	}
	return false
}

// ExitStatus maps the generator process's exit code to a terminal task
// status, per §4.10/§6/§8 invariant 8.
func ExitStatus(exitCode int) domain.TaskStatus {
	switch exitCode {
	case 0:
		return domain.TaskCompleted
	case 1:
		return domain.TaskFailedRequests
	default:
		return domain.TaskFailed
	}
}
