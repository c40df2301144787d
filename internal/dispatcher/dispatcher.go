// Package dispatcher implements the Task Dispatcher: two independent
// cooperative loops — a create loop that claims and runs tasks, and a
// stop loop that honors external stop requests — sharing one task store
// session, per spec §4.11.
//
// Grounded on the teacher's internal/controlplane/runmanager/dispatch.go
// and state_machine.go for the create-loop/stop-loop shape, generalized
// from in-memory run records to a polled SQL task store.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftlab/chatstress/internal/cleanup"
	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/resultwriter"
	"github.com/riftlab/chatstress/internal/supervisor"
	"github.com/riftlab/chatstress/internal/taskstore"
)

// Config tunes the dispatcher's loop cadence and filesystem/binary
// locations.
type Config struct {
	CreateLoopEvery     time.Duration
	StopLoopEvery       time.Duration
	DBDisconnectBackoff time.Duration
	TmpDir              string
}

// DefaultConfig returns the spec's 3s create / 5s stop loop cadence and a
// 30s DB-disconnect backoff.
func DefaultConfig() Config {
	return Config{
		CreateLoopEvery:     3 * time.Second,
		StopLoopEvery:       5 * time.Second,
		DBDisconnectBackoff: 30 * time.Second,
		TmpDir:              "/tmp",
	}
}

// Dispatcher drives tasks through the pipeline: claim -> spawn -> collect
// -> persist -> cleanup.
type Dispatcher struct {
	cfg    Config
	store  *taskstore.Store
	sup    *supervisor.Supervisor
	writer *resultwriter.Writer
	logger *obs.EventLogger

	mu     sync.Mutex
	active map[string]*supervisor.ProcessGroup
}

// New constructs a Dispatcher.
func New(cfg Config, store *taskstore.Store, sup *supervisor.Supervisor, writer *resultwriter.Writer, logger *obs.EventLogger) *Dispatcher {
	if logger == nil {
		logger = obs.NoopEventLogger()
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		sup:    sup,
		writer: writer,
		logger: logger,
		active: make(map[string]*supervisor.ProcessGroup),
	}
}

// Run starts the create loop and the stop loop, blocking until ctx is
// done.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.createLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.stopLoop(ctx)
	}()
	wg.Wait()
}

func (d *Dispatcher) createLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CreateLoopEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, err := d.store.ClaimNext(ctx)
		if err != nil {
			if errs.Is(err, errs.KindStore) {
				d.logger.LogSupervisorEvent("store_disconnect", 0, err.Error())
				select {
				case <-time.After(d.cfg.DBDisconnectBackoff):
				case <-ctx.Done():
					return
				}
			}
			continue
		}
		if task == nil {
			continue
		}

		go d.runPipeline(ctx, task)
	}
}

func (d *Dispatcher) stopLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StopLoopEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := d.store.ListIDsByStatus(ctx, domain.TaskStopping)
		if err != nil {
			d.logger.LogSupervisorEvent("store_disconnect", 0, err.Error())
			continue
		}
		for _, id := range ids {
			d.stopOne(ctx, id)
		}
	}
}

// stopOne terminates the process group for taskID, idempotently: a
// missing/already-dead group is treated as success.
func (d *Dispatcher) stopOne(ctx context.Context, taskID string) {
	d.mu.Lock()
	pg := d.active[taskID]
	d.mu.Unlock()

	task, err := d.store.Get(ctx, taskID)
	if err != nil || task == nil {
		return
	}

	if pg != nil {
		d.sup.Teardown(ctx, pg, task)
	}

	if err := d.store.SetStatus(ctx, taskID, domain.TaskStopped, ""); err != nil {
		_ = d.store.SetStatus(ctx, taskID, domain.TaskFailed, err.Error())
	}
}

// runPipeline drives one claimed task through the full lifecycle, per
// §4.11.
func (d *Dispatcher) runPipeline(ctx context.Context, task *domain.Task) {
	taskLogger := obs.NewEventLogger(task.ID, "")
	defer cleanup.Task(task, taskLogger)

	if err := d.store.SetStatus(ctx, task.ID, domain.TaskRunning, ""); err != nil {
		return
	}
	taskLogger.LogTaskTransition(string(domain.TaskLocked), string(domain.TaskRunning), "claimed")

	pg, err := d.sup.Spawn(ctx, task, false)
	if err != nil {
		_ = d.store.SetStatus(ctx, task.ID, domain.TaskFailed, err.Error())
		return
	}

	d.mu.Lock()
	d.active[task.ID] = pg
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, task.ID)
		d.mu.Unlock()
	}()

	d.sup.WaitStableChildren(ctx, pg)

	if statuses := supervisor.GroupStatus(pg); len(statuses) > 0 {
		taskLogger.LogSupervisorEvent("process_group_status", pg.Master.Process.Pid, fmt.Sprintf("%+v", statuses))
	}

	exitCode, stderrTail, waitErr := d.sup.Wait(pg)

	d.sup.Teardown(ctx, pg, task)

	refreshed, err := d.store.Get(ctx, task.ID)
	if err != nil || refreshed == nil {
		return
	}
	if refreshed.Status == domain.TaskStopping || refreshed.Status == domain.TaskStopped {
		_ = d.store.SetStatus(ctx, task.ID, domain.TaskStopped, "")
		taskLogger.LogTaskTransition(string(refreshed.Status), string(domain.TaskStopped), "stop requested")
		return
	}

	if waitErr != nil {
		_ = d.store.SetStatus(ctx, task.ID, domain.TaskFailed, errs.TruncateTail(waitErr.Error(), 65000))
		return
	}

	terminal := supervisor.ExitStatus(exitCode)
	switch terminal {
	case domain.TaskCompleted, domain.TaskFailedRequests:
		if err := d.writer.Consume(ctx, d.cfg.TmpDir, task.ID); err != nil {
			_ = d.store.SetStatus(ctx, task.ID, domain.TaskFailed, fmt.Sprintf("reading run snapshot: %v", err))
			return
		}
		_ = d.store.SetStatus(ctx, task.ID, terminal, "")
	default:
		_ = d.store.SetStatus(ctx, task.ID, domain.TaskFailed, stderrTail)
	}
	taskLogger.LogTaskTransition(string(domain.TaskRunning), string(terminal), fmt.Sprintf("exit_code=%d", exitCode))
}
