// Package vu implements the Virtual User Runtime: one cooperative loop
// per simulated user (internal/vu.User), ramped up by internal/vu.Runtime
// at the task's configured spawn rate.
//
// Grounded on the teacher's internal/vu/executor.go for the overall
// Run(ctx) shape (state machine driven by ctx.Done, drain-then-return);
// the teacher's session acquire/release and MCP operation sampling have
// no equivalent here since a virtual user in this spec has exactly one
// "operation" (build payload, post, parse response) rather than a sampled
// mix, so those stages are dropped rather than adapted.
package vu

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/riftlab/chatstress/internal/dataset"
	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
	"github.com/riftlab/chatstress/internal/httpclient"
	"github.com/riftlab/chatstress/internal/metricemitter"
	"github.com/riftlab/chatstress/internal/obs"
	"github.com/riftlab/chatstress/internal/payload"
	"github.com/riftlab/chatstress/internal/streamparser"
	"github.com/riftlab/chatstress/internal/tokencount"
)

const (
	chatCompletionsEndpoint = "chat_completions"
	customAPIEndpoint       = "custom_api"

	minThinkTime = 1 * time.Second
	maxThinkTime = 3 * time.Second
)

// Deps bundles the shared, already-constructed components a User needs.
// Every field except Task is shared across all users in a worker process.
type Deps struct {
	Task    *domain.Task
	Dataset *dataset.Source
	Builder *payload.Builder
	HTTP    *httpclient.Client
	Tokens  *tokencount.Counter
	Emitter *metricemitter.Emitter
	Logger  *obs.EventLogger
}

// User runs one simulated user's cooperative request loop.
type User struct {
	id   string
	deps Deps
	rng  *rand.Rand
}

// NewUser constructs a User; seed should differ per user to decorrelate
// think-time sampling.
func NewUser(id string, deps Deps, seed int64) *User {
	return &User{id: id, deps: deps, rng: rand.New(rand.NewSource(seed))}
}

// Run executes the cooperative loop until ctx is done. A failure in any
// single iteration is isolated: it is recorded and the loop continues.
func (u *User) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		u.runOnce(ctx)

		wait := u.sampleThinkTime()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (u *User) sampleThinkTime() time.Duration {
	span := maxThinkTime - minThinkTime
	return minThinkTime + time.Duration(u.rng.Int63n(int64(span)))
}

// runOnce executes steps 1-7 of the per-request algorithm once.
func (u *User) runOnce(ctx context.Context) {
	task := u.deps.Task
	fieldMap := task.FieldMapping.WithDefaults()

	rec, _ := u.deps.Dataset.Next()

	body, userPromptText, err := u.deps.Builder.Build(rec)
	if err != nil {
		u.recordFailure(endpointNameFor(task), 0, err)
		return
	}

	t0 := time.Now()
	resp, err := u.deps.HTTP.Post(ctx, task.TargetHost, task.APIPath, body, task.Headers, task.Cookies, task.StreamMode)
	if err != nil {
		u.recordFailure(endpointNameFor(task), msSince(t0), err)
		return
	}

	endpoint := endpointNameFor(task)

	if task.StreamMode {
		u.consumeStream(ctx, resp, fieldMap, t0, endpoint, userPromptText)
		return
	}
	u.consumeNonStream(resp, fieldMap, t0, endpoint, userPromptText)
}

func (u *User) consumeStream(ctx context.Context, resp *httpclient.Response, fieldMap *domain.FieldMap, t0 time.Time, endpoint, userPromptText string) {
	defer resp.Body.Close()

	if httpclient.IsFailure(resp.StatusCode) {
		u.recordFailure(endpoint, msSince(t0), errs.New(errs.KindHTTPStatus, "non-200 stream response"))
		return
	}

	reader := streamparser.NewRecordReader(resp.Body)
	defer reader.Close()

	parser := streamparser.NewParser(fieldMap, t0)
	parser.Emit = u.forwardEvent

	var failCause error
readLoop:
	for {
		raw, err := reader.ReadRecord(ctx)
		if err != nil {
			if err != io.EOF {
				failCause = errs.Wrap(errs.KindTransport, "stream read failed", err)
			}
			break readLoop
		}
		if perr := parser.ProcessRecord(raw); perr != nil {
			if streamparser.IsStreamEnd(perr) {
				break readLoop
			}
			failCause = perr
			break readLoop
		}
	}

	if failCause != nil {
		u.recordFailure(endpoint, msSince(t0), failCause)
		return
	}

	parser.Finish()
	u.finishSuccess(parser.Metrics(), endpoint, t0, userPromptText)
}

func (u *User) consumeNonStream(resp *httpclient.Response, fieldMap *domain.FieldMap, t0 time.Time, endpoint, userPromptText string) {
	if httpclient.IsFailure(resp.StatusCode) {
		u.recordFailure(endpoint, msSince(t0), errs.New(errs.KindHTTPStatus, "non-200 response"))
		return
	}

	parser := streamparser.NewParser(fieldMap, t0)
	parser.Emit = u.forwardEvent

	if err := parser.ProcessRecord(string(resp.BufferedBody)); err != nil && !streamparser.IsStreamEnd(err) {
		u.recordFailure(endpoint, msSince(t0), err)
		return
	}
	parser.Finish()
	u.finishSuccess(parser.Metrics(), endpoint, t0, userPromptText)
}

// finishSuccess implements steps 6-7: compute token deltas and push the
// result to the Metric Emitter / Worker Counters.
func (u *User) finishSuccess(m *domain.StreamMetrics, endpoint string, t0 time.Time, userPromptText string) {
	task := u.deps.Task

	var completionTokens, totalTokens int
	if m.Usage.NonZero() {
		completionTokens = m.Usage.CompletionTokens
		totalTokens = m.Usage.TotalTokens
	} else {
		promptTokens := u.deps.Tokens.Count(task.SystemPrompt+userPromptText, task.Model)
		outputTokens := u.deps.Tokens.Count(m.ReasoningContent+m.Content, task.Model)
		completionTokens = outputTokens
		totalTokens = completionTokens + promptTokens
	}

	u.deps.Emitter.PushTokens(int64(completionTokens), int64(totalTokens))

	responseTimeMs := msSince(t0)
	contentLength := len(m.Content) + len(m.ReasoningContent)
	u.deps.Emitter.RecordSuccess(endpoint, responseTimeMs, contentLength)
}

func (u *User) recordFailure(endpoint string, responseTimeMs float64, cause error) {
	u.deps.Emitter.RecordFailure(endpoint, responseTimeMs, 0, cause)
	if u.deps.Logger != nil {
		u.deps.Logger.LogRequestFailure(endpoint, cause)
	}
}

func (u *User) forwardEvent(e domain.MetricEvent) {
	if u.deps.Logger != nil {
		u.deps.Logger.LogMetricEvent(string(e.Kind), e.ValueMs, e.Success)
	}
}

func endpointNameFor(task *domain.Task) string {
	if task.APIPath == "/chat/completions" {
		return chatCompletionsEndpoint
	}
	return customAPIEndpoint
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
