package vu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riftlab/chatstress/internal/dataset"
	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/httpclient"
	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/payload"
	"github.com/riftlab/chatstress/internal/tokencount"
)

// Runtime owns every User for one task run within a worker process: it
// ramps ConcurrentUsers up at SpawnRate users/second (golang.org/x/time/rate,
// adapted from the teacher's hand-rolled token-bucket RateLimiter in
// internal/vu/rate_limiter.go — this component reuses the ecosystem
// limiter instead of re-deriving the same token-bucket math) and runs each
// User's cooperative loop for the task's configured duration.
type Runtime struct {
	task    *domain.Task
	http    *httpclient.Client
	tokens  *tokencount.Counter
	emitter *metricemitter.Emitter
	logger  *obs.EventLogger
	dataset *dataset.Source
	builder *payload.Builder

	wg sync.WaitGroup
}

// New constructs a Runtime for one task. ds may be an empty dataset.Source
// when the task has no configured test_data.
func New(task *domain.Task, httpClient *httpclient.Client, tokens *tokencount.Counter, emitter *metricemitter.Emitter, logger *obs.EventLogger, ds *dataset.Source) *Runtime {
	builder := payload.New(payload.Config{
		Model:          task.Model,
		Stream:         task.StreamMode,
		SystemPrompt:   task.SystemPrompt,
		APIPath:        task.APIPath,
		RequestPayload: task.RequestPayload,
		FieldMap:       task.FieldMapping,
		TestData:       task.TestData,
	}, nil)

	return &Runtime{
		task:    task,
		http:    httpClient,
		tokens:  tokens,
		emitter: emitter,
		logger:  logger,
		dataset: ds,
		builder: builder,
	}
}

// Run ramps up ConcurrentUsers users at SpawnRate users/second, then runs
// for DurationSeconds before cancelling every user and waiting for the
// in-flight requests each user is running to drain.
func (r *Runtime) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	limiter := spawnLimiter(r.task.SpawnRate)

	for i := 0; i < r.task.ConcurrentUsers; i++ {
		if err := limiter.Wait(runCtx); err != nil {
			break
		}
		u := NewUser(fmt.Sprintf("vu-%d", i), Deps{
			Task:    r.task,
			Dataset: r.dataset,
			Builder: r.builder,
			HTTP:    r.http,
			Tokens:  r.tokens,
			Emitter: r.emitter,
			Logger:  r.logger,
		}, time.Now().UnixNano()+int64(i))

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			u.Run(runCtx)
		}()
	}

	select {
	case <-time.After(time.Duration(r.task.DurationSeconds) * time.Second):
	case <-ctx.Done():
	}

	cancel()
	r.wg.Wait()
}

// spawnLimiter builds a rate.Limiter pacing VU spawns at rps users/second;
// a non-positive rate spawns every user immediately (burst-of-all).
func spawnLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}
