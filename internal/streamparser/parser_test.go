package streamparser

import (
	"testing"
	"time"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
)

func defaultFieldMap() *domain.FieldMap {
	return &domain.FieldMap{
		StreamPrefix:     "data:",
		DataFormat:       "json",
		StopFlag:         "[DONE]",
		Content:          "choices.0.delta.content",
		ReasoningContent: "choices.0.delta.reasoning_content",
		Usage:            "usage",
	}
}

// TestStreamParserRoundTrip covers the literal round-trip invariant: a
// reasoning phase followed by an output phase followed by [DONE] yields
// exactly one of each timing event, in partial order, with accumulated
// reasoning/content text matching what was streamed.
func TestStreamParserRoundTrip(t *testing.T) {
	start := time.Now()
	p := NewParser(defaultFieldMap(), start)

	var events []domain.MetricKind
	p.Emit = func(e domain.MetricEvent) { events = append(events, e.Kind) }

	reasoningChunks := []string{"let", " me", " think"}
	outputChunks := []string{"The", " answer", " is", " 42"}

	for _, r := range reasoningChunks {
		rec := `{"choices":[{"delta":{"reasoning_content":"` + r + `"}}]}`
		if err := p.ProcessRecord(rec); err != nil {
			t.Fatalf("reasoning chunk error: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	for _, c := range outputChunks {
		rec := `{"choices":[{"delta":{"content":"` + c + `"}}]}`
		if err := p.ProcessRecord(rec); err != nil {
			t.Fatalf("output chunk error: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if err := p.ProcessRecord("[DONE]"); !IsStreamEnd(err) {
		t.Fatalf("expected clean stream end, got %v", err)
	}
	p.Finish()

	wantOrder := []domain.MetricKind{
		domain.MetricTimeToFirstReasoningToken,
		domain.MetricTimeToFirstOutputToken,
		domain.MetricTimeToReasoningCompletion,
		domain.MetricTimeToOutputCompletion,
		domain.MetricTotalTime,
	}
	if len(events) != len(wantOrder) {
		t.Fatalf("events = %v, want %v", events, wantOrder)
	}
	for i, k := range wantOrder {
		if events[i] != k {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, events[i], k, events)
		}
	}

	m := p.Metrics()
	if m.Content != "The answer is 42" {
		t.Fatalf("content = %q", m.Content)
	}
	if m.ReasoningContent != "let me think" {
		t.Fatalf("reasoning content = %q", m.ReasoningContent)
	}
}

// TestReasoningCompletionDoesNotFireWithoutSubsequentContent covers Open
// Question 1: a stream that ends right after reasoning, with no further
// content chunk, never emits Time_to_reasoning_completion.
func TestReasoningCompletionDoesNotFireWithoutSubsequentContent(t *testing.T) {
	p := NewParser(defaultFieldMap(), time.Now())
	var events []domain.MetricKind
	p.Emit = func(e domain.MetricEvent) { events = append(events, e.Kind) }

	if err := p.ProcessRecord(`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.ProcessRecord("[DONE]"); !IsStreamEnd(err) {
		t.Fatalf("expected stream end, got %v", err)
	}
	p.Finish()

	for _, k := range events {
		if k == domain.MetricTimeToReasoningCompletion {
			t.Fatalf("Time_to_reasoning_completion must not fire without a subsequent content chunk")
		}
	}
}

// TestUsageSuppressesFurtherAccumulation covers usage-authority: once
// usage is extracted, further content in the SAME or later records is not
// appended, per the spec's authoritative-usage rule.
func TestUsageSuppressesFurtherAccumulation(t *testing.T) {
	p := NewParser(defaultFieldMap(), time.Now())

	if err := p.ProcessRecord(`{"choices":[{"delta":{"content":"hello"}}]}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.ProcessRecord(`{"choices":[{"delta":{"content":""}}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Metrics().UsageExtracted {
		t.Fatalf("expected usage to be extracted")
	}
	if err := p.ProcessRecord(`{"choices":[{"delta":{"content":" world"}}]}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Metrics().Content != "hello" {
		t.Fatalf("content = %q, want accumulation frozen at %q", p.Metrics().Content, "hello")
	}
	if p.Metrics().Usage == nil || p.Metrics().Usage.TotalTokens != 8 {
		t.Fatalf("usage not recorded: %+v", p.Metrics().Usage)
	}
}

func TestStopFlagOnRawRecordEndsStream(t *testing.T) {
	p := NewParser(defaultFieldMap(), time.Now())
	if err := p.ProcessRecord(" [DONE] "); !IsStreamEnd(err) {
		t.Fatalf("expected stream end for whitespace-padded stop flag, got %v", err)
	}
}

func TestEndFieldEqualsStopFlagEndsStream(t *testing.T) {
	fm := defaultFieldMap()
	fm.EndField = "choices.0.finish_reason"
	p := NewParser(fm, time.Now())
	if err := p.ProcessRecord(`{"choices":[{"finish_reason":"[DONE]"}]}`); !IsStreamEnd(err) {
		t.Fatalf("expected stream end via end_field, got %v", err)
	}
}

func TestMalformedJSONYieldsStreamFormatError(t *testing.T) {
	p := NewParser(defaultFieldMap(), time.Now())
	err := p.ProcessRecord(`{not valid json`)
	if err == nil || errs.As(err) == nil || errs.As(err).Kind != errs.KindStreamFormat {
		t.Fatalf("expected KindStreamFormat, got %v", err)
	}
}

func TestResponseErrorIndicatorDetected(t *testing.T) {
	p := NewParser(defaultFieldMap(), time.Now())
	err := p.ProcessRecord(`{"error":{"type":"rate_limit","message":"too many requests"}}`)
	if err == nil || errs.As(err) == nil || errs.As(err).Kind != errs.KindResponseError {
		t.Fatalf("expected KindResponseError, got %v", err)
	}
}

func TestNonJSONDataFormatHasNoIndependentStopCondition(t *testing.T) {
	fm := &domain.FieldMap{StreamPrefix: "data:", DataFormat: "text", StopFlag: "[DONE]"}
	p := NewParser(fm, time.Now())
	if err := p.ProcessRecord("some plain text chunk"); err != nil {
		t.Fatalf("unexpected error for plain text record: %v", err)
	}
	if err := p.ProcessRecord("[DONE]"); !IsStreamEnd(err) {
		t.Fatalf("expected stop flag to still end the stream, got %v", err)
	}
}
