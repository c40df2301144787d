// Package config implements the Run Context: a process-wide immutable
// record constructed once at worker startup, per spec §4.13.
//
// Grounded on the teacher's internal/config/settings.go pattern of a
// frozen struct built once at process start and threaded explicitly down
// the call stack rather than read from a global singleton thereafter.
package config

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/riftlab/chatstress/internal/domain"
)

// RunContext is the fully-resolved, immutable configuration for one
// worker (or master) process for the duration of one task run.
type RunContext struct {
	TaskID     string
	Role       string // "master" or "worker"
	MasterAddr string // host:port, worker role only

	APIPath        string
	Headers        map[string]string
	Cookies        map[string]string
	RequestPayload string
	ModelName      string
	SystemPrompt   string
	StreamMode     bool
	ChatType       domain.ChatType
	CertFile       string
	KeyFile        string
	FieldMapping   *domain.FieldMap
	TestData       string
	DurationSec    int

	Users     int
	SpawnRate float64
	Host      string
	Processes int
}

// IsOpenAIMode reports whether APIPath selects the OpenAI chat-completions
// wire shape, per §4.13.
func (r *RunContext) IsOpenAIMode() bool {
	return r.APIPath == "/chat/completions"
}

// FromFlags builds a RunContext from the generator CLI flags enumerated
// in spec §6, parsing args (normally os.Args[1:]).
func FromFlags(args []string) (*RunContext, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)

	var (
		role         = fs.String("role", "worker", "master or worker")
		masterAddr   = fs.String("master-addr", "", "master host:port (worker role)")
		taskID       = fs.String("task-id", "", "task identifier")
		apiPath      = fs.String("api_path", "/chat/completions", "HTTP path suffix")
		headersJSON  = fs.String("headers", "", "JSON object of request headers")
		cookiesJSON  = fs.String("cookies", "", "JSON object of request cookies")
		payload      = fs.String("request_payload", "", "JSON request template")
		model        = fs.String("model_name", "", "model identifier")
		systemPrompt = fs.String("system_prompt", "", "optional system message")
		streamMode   = fs.Bool("stream_mode", false, "streaming vs single-shot")
		chatType     = fs.Int("chat_type", 0, "0=text, 1=multimodal")
		certFile     = fs.String("cert_file", "", "client cert PEM path")
		keyFile      = fs.String("key_file", "", "client key PEM path")
		fieldMapping = fs.String("field_mapping", "", "JSON Field Map")
		testData     = fs.String("test_data", "", "dataset selector")
		duration     = fs.Int("run-time", 0, "run duration, seconds")
		users        = fs.Int("users", 1, "target concurrent users for this process")
		spawnRate    = fs.Float64("spawn-rate", 1, "users spawned per second")
		host         = fs.String("host", "", "target host URL")
		processes    = fs.Int("processes", 1, "worker process count for this run")
	)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	headers, err := parseStringMap(*headersJSON)
	if err != nil {
		return nil, fmt.Errorf("parse headers: %w", err)
	}
	cookies, err := parseStringMap(*cookiesJSON)
	if err != nil {
		return nil, fmt.Errorf("parse cookies: %w", err)
	}

	var fm *domain.FieldMap
	if *fieldMapping != "" {
		fm = &domain.FieldMap{}
		if err := json.Unmarshal([]byte(*fieldMapping), fm); err != nil {
			return nil, fmt.Errorf("parse field_mapping: %w", err)
		}
	}

	return &RunContext{
		TaskID:         *taskID,
		Role:           *role,
		MasterAddr:     *masterAddr,
		APIPath:        *apiPath,
		Headers:        headers,
		Cookies:        cookies,
		RequestPayload: *payload,
		ModelName:      *model,
		SystemPrompt:   *systemPrompt,
		StreamMode:     *streamMode,
		ChatType:       domain.ChatType(*chatType),
		CertFile:       *certFile,
		KeyFile:        *keyFile,
		FieldMapping:   fm.WithDefaults(),
		TestData:       *testData,
		DurationSec:    *duration,
		Users:          *users,
		SpawnRate:      *spawnRate,
		Host:           *host,
		Processes:      *processes,
	}, nil
}

func parseStringMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToTask projects a RunContext back into a domain.Task for components
// (payload.Builder, vu.Runtime) that are built against the Task shape;
// the CLI flags are a Task projected through defaults and back again.
func (r *RunContext) ToTask() *domain.Task {
	return &domain.Task{
		ID:              r.TaskID,
		TargetHost:      r.Host,
		APIPath:         r.APIPath,
		Model:           r.ModelName,
		DurationSeconds: r.DurationSec,
		ConcurrentUsers: r.Users,
		SpawnRate:       r.SpawnRate,
		StreamMode:      r.StreamMode,
		ChatType:        r.ChatType,
		Headers:         r.Headers,
		Cookies:         r.Cookies,
		CertFile:        r.CertFile,
		KeyFile:         r.KeyFile,
		RequestPayload:  r.RequestPayload,
		FieldMapping:    r.FieldMapping,
		SystemPrompt:    r.SystemPrompt,
		TestData:        r.TestData,
		Status:          domain.TaskRunning,
	}
}
