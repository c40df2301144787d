// Command dispatcher is the engine's control process: it owns the Task
// Store connection, the Process Supervisor, and the Task Dispatcher's
// create/stop loops, plus two housekeeping passes run once at startup
// and then on an interval — reconciliation (§4.10) and orphan reaping.
//
// Grounded on the teacher's cmd/server/main.go for the overall shape
// (flag parse -> build the long-lived managers -> block on a signal
// channel -> bounded shutdown); the HTTP listener itself has no
// equivalent here since this spec's control surface is the Task Store
// table, not an external REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftlab/chatstress/internal/config"
	"github.com/riftlab/chatstress/internal/dispatcher"
	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/resultwriter"
	"github.com/riftlab/chatstress/internal/supervisor"
	"github.com/riftlab/chatstress/internal/taskstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "optional viper config file (env CHATSTRESS_* always applies)")
	workerBin := flag.String("worker-bin", "", "path to the cmd/worker binary (defaults to the running executable)")
	flag.Parse()

	opCfg, err := config.FromEnv(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load operational config:", err)
		return 2
	}

	logger := obs.NewEventLogger("", "dispatcher")
	obs.SetGlobal(logger)

	store, err := taskstore.Open(opCfg.DatabaseDSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open task store:", err)
		return 2
	}
	defer store.Close()

	bin := *workerBin
	if bin == "" {
		bin, err = os.Executable()
		if err != nil {
			fmt.Fprintln(os.Stderr, "resolve worker binary:", err)
			return 2
		}
	}

	sup := supervisor.New(bin, opCfg.PortRangeLow, opCfg.PortRangeHigh, logger)
	writer := resultwriter.New(store)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reconcileOnStartup(ctx, store, sup, logger)

	go reapLoop(ctx, store, sup, logger, opCfg.ReapInterval, opCfg.OrphanMaxAge)

	d := dispatcher.New(dispatcher.Config{
		CreateLoopEvery:     opCfg.CreateLoopEvery,
		StopLoopEvery:       opCfg.StopLoopEvery,
		DBDisconnectBackoff: 30 * time.Second,
		TmpDir:              os.TempDir(),
	}, store, sup, writer, logger)

	d.Run(ctx)
	return 0
}

// reconcileOnStartup implements §4.10's startup reconciliation: every task
// left in "running" or "locked" from a prior engine instance is either
// matched to a still-live generator process (terminated, marked failed)
// or has none (marked failed with the literal not-found reason).
func reconcileOnStartup(ctx context.Context, store *taskstore.Store, sup *supervisor.Supervisor, logger *obs.EventLogger) {
	var stale []string
	for _, status := range []domain.TaskStatus{domain.TaskRunning, domain.TaskLocked} {
		ids, err := store.ListIDsByStatus(ctx, status)
		if err != nil {
			logger.LogSupervisorEvent("reconcile_list_failed", 0, err.Error())
			continue
		}
		stale = append(stale, ids...)
	}
	if len(stale) == 0 {
		return
	}

	for _, result := range sup.Reconcile(ctx, stale) {
		if err := store.SetStatus(ctx, result.TaskID, domain.TaskFailed, result.Reason); err != nil {
			logger.LogSupervisorEvent("reconcile_set_status_failed", 0, err.Error())
		}
	}
}

// reapLoop runs the periodic, age-gated orphan reap alongside a host
// resource sample logged each tick — the supervisor's equivalent of a
// process monitor's background polling loop, separate in cadence from
// Supervisor.SweepStray's unconditional per-Spawn sweep.
func reapLoop(ctx context.Context, store *taskstore.Store, sup *supervisor.Supervisor, logger *obs.EventLogger, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var active []string
		for _, status := range []domain.TaskStatus{domain.TaskRunning, domain.TaskStopping} {
			ids, err := store.ListIDsByStatus(ctx, status)
			if err != nil {
				continue
			}
			active = append(active, ids...)
		}
		sup.ReapOrphans(ctx, active, maxAge)

		res := supervisor.ReadSystemResources()
		logger.LogSupervisorEvent("system_resources", 0, fmt.Sprintf(
			"cpu=%.1f%% mem=%.1f%% mem_avail_mb=%.0f disk=%.1f%% disk_free_mb=%.0f",
			res.CPUPercent, res.MemoryPercent, res.MemoryAvailMB, res.DiskPercent, res.DiskFreeMB))
	}
}
