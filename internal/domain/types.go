// Package domain holds the data model shared across the stress engine
// core: Task, Prompt Record, Field Map, Stream Metrics, Worker Counters,
// Metric Event, and Run Snapshot.
package domain

import "time"

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskCreated        TaskStatus = "created"
	TaskLocked         TaskStatus = "locked"
	TaskRunning        TaskStatus = "running"
	TaskStopping       TaskStatus = "stopping"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskFailedRequests TaskStatus = "failed_requests"
	TaskStopped        TaskStatus = "stopped"
)

// IsTerminal reports whether s is one of the four terminal statuses.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskFailedRequests, TaskStopped:
		return true
	default:
		return false
	}
}

// ChatType distinguishes text-only from multimodal prompts.
type ChatType int

const (
	ChatTypeText       ChatType = 0
	ChatTypeMultimodal ChatType = 1
)

// Task is the unit of work polled, locked, and driven through the pipeline
// by the Task Dispatcher.
type Task struct {
	ID              string
	Name            string
	TargetHost      string
	APIPath         string
	Model           string
	DurationSeconds int
	ConcurrentUsers int
	SpawnRate       float64
	StreamMode      bool
	ChatType        ChatType
	Headers         map[string]string
	Cookies         map[string]string
	CertFile        string
	KeyFile         string
	RequestPayload  string
	FieldMapping    *FieldMap
	SystemPrompt    string
	TestData        string
	Status          TaskStatus
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UsesTemplateOnly reports whether the dataset mode is empty (no prompt
// iteration; the template payload is used as-is).
func (t *Task) UsesTemplateOnly() bool {
	return t.TestData == ""
}

// FieldMap configures extraction/injection for non-OpenAI (and OpenAI)
// response/request shapes via dotted paths.
type FieldMap struct {
	StreamPrefix     string `json:"stream_prefix"`
	DataFormat       string `json:"data_format"`
	StopFlag         string `json:"stop_flag"`
	EndPrefix        string `json:"end_prefix"`
	EndField         string `json:"end_field"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Prompt           string `json:"prompt"`
	Usage            string `json:"usage"`
}

// DefaultFieldMap returns the Field Map defaults named in the spec.
func DefaultFieldMap() *FieldMap {
	return &FieldMap{
		StreamPrefix: "data:",
		DataFormat:   "json",
		StopFlag:     "[DONE]",
	}
}

// WithDefaults returns a copy of fm with zero-value fields replaced by
// their spec-mandated defaults.
func (fm *FieldMap) WithDefaults() *FieldMap {
	d := DefaultFieldMap()
	if fm == nil {
		return d
	}
	out := *fm
	if out.StreamPrefix == "" {
		out.StreamPrefix = d.StreamPrefix
	}
	if out.DataFormat == "" {
		out.DataFormat = d.DataFormat
	}
	if out.StopFlag == "" {
		out.StopFlag = d.StopFlag
	}
	return &out
}

// PromptRecord is one dataset entry.
type PromptRecord struct {
	ID          string
	Text        string
	ImageBase64 string
	ImageURL    string
}

// HasImage reports whether the record carries a multimodal image.
func (p *PromptRecord) HasImage() bool {
	return p != nil && (p.ImageBase64 != "" || p.ImageURL != "")
}

// Usage captures token counts reported authoritatively by an endpoint.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NonZero reports whether usage carries non-zero completion and total
// counts, the condition under which it is treated as authoritative.
func (u *Usage) NonZero() bool {
	return u != nil && u.CompletionTokens != 0 && u.TotalTokens != 0
}

// StreamMetrics is the per-request mutable accumulator updated by the
// Stream Parser while consuming one response.
type StreamMetrics struct {
	FirstOutputTokenSeen    bool
	FirstOutputTokenTime    time.Time
	FirstReasoningTokenSeen bool
	FirstReasoningTokenTime time.Time
	ReasoningActive         bool
	ReasoningEnded          bool
	Content                 string
	ReasoningContent        string
	Usage                   *Usage
	UsageExtracted          bool
}

// MetricKind names the observable timing/outcome kinds the core emits.
type MetricKind string

const (
	MetricTimeToFirstOutputToken    MetricKind = "Time_to_first_output_token"
	MetricTimeToFirstReasoningToken MetricKind = "Time_to_first_reasoning_token"
	MetricTimeToReasoningCompletion MetricKind = "Time_to_reasoning_completion"
	MetricTimeToOutputCompletion    MetricKind = "Time_to_output_completion"
	MetricTotalTime                 MetricKind = "Total_time"
	MetricChatCompletions           MetricKind = "chat_completions"
	MetricCustomAPI                 MetricKind = "custom_api"
	MetricTokenMetrics              MetricKind = "token_metrics"
	MetricFailure                   MetricKind = "failure"
)

// MetricEvent is emitted by the core for every observable timing.
type MetricEvent struct {
	Kind    MetricKind
	ValueMs float64
	Success bool
}

// WorkerCounters is the per-worker-process accumulator.
type WorkerCounters struct {
	RequestCount     int64
	CompletionTokens int64
	TotalTokens      int64
	StartedAt        time.Time
}

// CustomMetrics is the derived per-run aggregate block written to the Run
// Snapshot and, from it, the token_metrics result row.
type CustomMetrics struct {
	ReqsNum                   int     `json:"reqs_num"`
	ReqThroughput             float64 `json:"req_throughput"`
	CompletionTPS             float64 `json:"completion_tps"`
	TotalTPS                  float64 `json:"total_tps"`
	AvgTotalTokensPerReq      float64 `json:"avg_total_tokens_per_req"`
	AvgCompletionTokensPerReq float64 `json:"avg_completion_tokens_per_req"`
}

// LocustStat is one per-endpoint latency aggregate row.
type LocustStat struct {
	TaskID           string  `json:"task_id"`
	MetricType       string  `json:"metric_type"`
	NumRequests      int     `json:"num_requests"`
	NumFailures      int     `json:"num_failures"`
	AvgLatency       float64 `json:"avg_latency"`
	MinLatency       float64 `json:"min_latency"`
	MaxLatency       float64 `json:"max_latency"`
	MedianLatency    float64 `json:"median_latency"`
	P90Latency       float64 `json:"p90_latency"`
	AvgContentLength float64 `json:"avg_content_length"`
	RPS              float64 `json:"rps"`
	CreatedAt        string  `json:"created_at"`
}

// RunSnapshot is the handoff artifact written at test end.
type RunSnapshot struct {
	CustomMetrics CustomMetrics `json:"custom_metrics"`
	LocustStats   []LocustStat  `json:"locust_stats"`
}
