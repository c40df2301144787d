// Command worker is the generator process launched by the Process
// Supervisor: one invocation per master (coordinating, no load of its
// own) and N invocations per worker (running virtual users), selected by
// --role. Exit codes follow §6: 0 completed clean, 1 completed with at
// least one request failure, anything else an execution error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftlab/chatstress/internal/config"
	"github.com/riftlab/chatstress/internal/coordinator"
	"github.com/riftlab/chatstress/internal/dataset"
	"github.com/riftlab/chatstress/internal/httpclient"
	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/resultwriter"
	"github.com/riftlab/chatstress/internal/tokencount"
	"github.com/riftlab/chatstress/internal/vu"
	"github.com/riftlab/chatstress/internal/workeragg"
)

func main() {
	os.Exit(run())
}

func run() int {
	rc, err := config.FromFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse flags:", err)
		return 2
	}

	logger := obs.NewEventLogger(rc.TaskID, fmt.Sprintf("%s-%d", rc.Role, os.Getpid()))
	obs.SetGlobal(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch rc.Role {
	case "master":
		return runMaster(ctx, rc, logger)
	default:
		return runWorker(ctx, rc, logger)
	}
}

func runMaster(ctx context.Context, rc *config.RunContext, logger *obs.EventLogger) int {
	master := coordinator.NewMaster(coordinator.NewMemoryDedup(), logger)
	if _, err := master.ListenAddr(rc.MasterAddr); err != nil {
		fmt.Fprintln(os.Stderr, "master listen:", err)
		return 2
	}
	defer master.Close()

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	go master.Serve(serveCtx)

	deadline := time.Duration(rc.DurationSec) * time.Second
	select {
	case <-time.After(deadline):
	case <-ctx.Done():
	}

	snapshots := master.CollectFinal(ctx, rc.Processes, nil)

	requestCount, completionTokens, totalTokens, endpoints := coordinator.Aggregate(snapshots)
	executionTime := deadline.Seconds()

	snap := resultwriter.BuildSnapshot(rc.TaskID, requestCount, completionTokens, totalTokens, executionTime, endpoints)
	if err := resultwriter.WriteFile(os.TempDir(), rc.TaskID, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write run snapshot:", err)
		return 2
	}

	if hasAnyFailure(endpoints) {
		return 1
	}
	return 0
}

func hasAnyFailure(endpoints map[string]metricemitter.Snapshot) bool {
	for _, s := range endpoints {
		if s.Failures > 0 {
			return true
		}
	}
	return false
}

func runWorker(ctx context.Context, rc *config.RunContext, logger *obs.EventLogger) int {
	task := rc.ToTask()

	httpCfg := httpclient.DefaultConfig()
	httpCfg.CertFile = rc.CertFile
	httpCfg.KeyFile = rc.KeyFile
	httpClient, err := httpclient.New(httpCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build http client:", err)
		return 2
	}

	ds, err := dataset.New(rc.TestData, rc.ChatType, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load dataset:", err)
		return 2
	}

	tokens := tokencount.New(10000)
	emitter := metricemitter.New()

	workerID := fmt.Sprintf("%d_%d", os.Getpid(), time.Now().UnixMilli())
	agg := workeragg.New(workerID, emitter)

	var worker *coordinator.Worker
	if rc.MasterAddr != "" {
		worker, err = coordinator.DialWorker(rc.MasterAddr, workerID, agg, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dial master:", err)
			return 2
		}
		defer worker.Close()
		go worker.Serve(ctx)
	}

	runtime := vu.New(task, httpClient, tokens, emitter, logger, ds)
	runtime.Run(ctx)

	if emitter.GlobalFailures() > 0 {
		return 1
	}
	return 0
}
