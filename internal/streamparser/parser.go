// Package streamparser implements the Stream Parser: consuming one SSE
// response record at a time and updating a StreamMetrics accumulator,
// emitting timing MetricEvents at the moments the spec names.
//
// Grounded on the teacher's transport package: RecordReader (reader.go)
// adapts the single-reader-goroutine pattern of SSEDecoder
// (internal/transport/sse_decoder.go) so a stalled or cancelled stream
// never leaves a goroutine blocked in a Read call; Parser itself has no
// direct teacher analogue (the teacher speaks JSON-RPC, not Field-Map-
// driven SSE) and is built straight from the per-record algorithm, reusing
// internal/fieldpath for every dotted-path extraction.
package streamparser

import (
	"encoding/json"
	"time"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
	"github.com/riftlab/chatstress/internal/fieldpath"
)

// Parser consumes SSE records for a single request and updates a
// domain.StreamMetrics, emitting domain.MetricEvent values through Emit.
type Parser struct {
	fieldMap *domain.FieldMap
	metrics  *domain.StreamMetrics
	start    time.Time

	// Emit receives every MetricEvent as it's produced. May be nil.
	Emit func(domain.MetricEvent)
}

// NewParser constructs a Parser for one request, started at start (used
// to compute Total_time at stream end).
func NewParser(fieldMap *domain.FieldMap, start time.Time) *Parser {
	return &Parser{
		fieldMap: fieldMap.WithDefaults(),
		metrics:  &domain.StreamMetrics{},
		start:    start,
	}
}

// Metrics returns the accumulator the parser has been updating.
func (p *Parser) Metrics() *domain.StreamMetrics {
	return p.metrics
}

func (p *Parser) emit(kind domain.MetricKind, valueMs float64, success bool) {
	if p.Emit != nil {
		p.Emit(domain.MetricEvent{Kind: kind, ValueMs: valueMs, Success: success})
	}
}

// streamEnd is returned by ProcessRecord to tell the caller's read loop to
// stop, distinct from an error: a clean stop flag is not a failure.
type streamEnd struct {
	err error
}

func (s *streamEnd) Error() string {
	if s.err != nil {
		return s.err.Error()
	}
	return "stream end"
}

// ErrStreamEnd, when returned (wrapped) by ProcessRecord, signals a clean,
// non-error stop flag was observed; the caller should call Finish and stop
// reading. Use errors.Is(err, ErrStreamEnd) is not meaningful here since
// streamEnd is a distinct zero-cause sentinel; callers should instead use
// IsStreamEnd.
var ErrStreamEnd = &streamEnd{}

// IsStreamEnd reports whether err is the clean-stop sentinel (as opposed
// to a KindStreamFormat/KindResponseError failure).
func IsStreamEnd(err error) bool {
	se, ok := err.(*streamEnd)
	return ok && se.err == nil
}

// ProcessRecord runs the ten-step per-record algorithm against one raw SSE
// data record (already stripped of its leading "data:"/"data: " prefix by
// RecordReader). It returns a non-nil error in two distinct cases: the
// clean-stop sentinel ErrStreamEnd (ok to ignore beyond stopping the read
// loop), or a *errs.Error (KindStreamFormat / KindResponseError) that both
// ends the stream AND marks the request failed.
func (p *Parser) ProcessRecord(raw string) error {
	fm := p.fieldMap

	// Step 2: strip end_prefix if set, else stream_prefix if present, else
	// use the record as-is. RecordReader has already removed the literal
	// "data:" transport framing; this second strip handles a Field Map
	// that names a different/additional prefix on top of that framing.
	processed := raw
	switch {
	case fm.EndPrefix != "":
		processed = trimPrefixIfPresent(processed, fm.EndPrefix)
	case fm.StreamPrefix != "":
		processed = trimPrefixIfPresent(processed, fm.StreamPrefix)
	}

	trimmed := trimSpace(processed)

	// Step 3: stop flag on the processed record itself.
	if trimmed == fm.StopFlag {
		return ErrStreamEnd
	}

	if fm.DataFormat != "json" {
		// Non-JSON streams have no independent stop condition beyond the
		// stop flag already checked above, or the transport EOF the caller
		// observes from RecordReader.ReadRecord. Content cannot be
		// extracted via a Field Map path against non-JSON text, so there
		// is nothing further to do with this record.
		return nil
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return errs.New(errs.KindStreamFormat, "unparseable SSE record: "+errs.TruncateTail(trimmed, 200))
	}

	// Step 5: end_field equals stop flag.
	if fm.EndField != "" {
		if fieldpath.GetString(doc, fm.EndField) == fm.StopFlag {
			return ErrStreamEnd
		}
	}

	// Step 6: response-error indicators.
	if err := detectResponseError(doc); err != nil {
		return err
	}

	now := time.Now()

	// Step 7: usage extraction; once authoritative, suppress further
	// content/reasoning accumulation (but extraction/timing events for
	// THIS record still run below, since usage and content can arrive in
	// the same record).
	if fm.Usage != "" {
		if usage := extractUsage(doc, fm.Usage); usage.NonZero() {
			p.metrics.Usage = usage
			p.metrics.UsageExtracted = true
		}
	}

	// Step 8: content.
	if fm.Content != "" {
		content := fieldpath.GetString(doc, fm.Content)
		if content != "" {
			if !p.metrics.FirstOutputTokenSeen {
				p.metrics.FirstOutputTokenSeen = true
				p.metrics.FirstOutputTokenTime = now
				p.emit(domain.MetricTimeToFirstOutputToken, msSince(p.start, now), true)
			}
			if !p.metrics.UsageExtracted {
				p.metrics.Content += content
			}
		}

		// Step 10: reasoning->content transition. Must be checked using
		// this record's content (just extracted) against reasoning state
		// carried over from a PRIOR record, so this runs after step 8's
		// content extraction but before step 9 updates reasoning state for
		// the current record.
		if p.metrics.ReasoningActive && !p.metrics.ReasoningEnded && content != "" && !hasReasoning(doc, fm) {
			p.metrics.ReasoningEnded = true
			p.emit(domain.MetricTimeToReasoningCompletion, msSince(p.metrics.FirstReasoningTokenTime, now), true)
		}
	}

	// Step 9: reasoning_content.
	if fm.ReasoningContent != "" {
		reasoning := fieldpath.GetString(doc, fm.ReasoningContent)
		if reasoning != "" {
			if !p.metrics.FirstReasoningTokenSeen {
				p.metrics.FirstReasoningTokenSeen = true
				p.metrics.FirstReasoningTokenTime = now
				p.emit(domain.MetricTimeToFirstReasoningToken, msSince(p.start, now), true)
			}
			p.metrics.ReasoningActive = true
			if !p.metrics.UsageExtracted {
				p.metrics.ReasoningContent += reasoning
			}
		}
	}

	return nil
}

// hasReasoning reports whether doc carries a non-empty reasoning_content
// for the current record, used by step 10's transition check.
func hasReasoning(doc any, fm *domain.FieldMap) bool {
	if fm.ReasoningContent == "" {
		return false
	}
	return fieldpath.GetString(doc, fm.ReasoningContent) != ""
}

// Finish is called once the read loop observes a clean stream end (stop
// flag or EOF). It emits Time_to_output_completion and Total_time and
// reports whether the request should be marked successful.
func (p *Parser) Finish() {
	now := time.Now()
	var outputCompletionMs float64
	if p.metrics.FirstOutputTokenSeen {
		outputCompletionMs = msSince(p.metrics.FirstOutputTokenTime, now)
	}
	p.emit(domain.MetricTimeToOutputCompletion, outputCompletionMs, true)
	p.emit(domain.MetricTotalTime, msSince(p.start, now), true)
}

func msSince(start, end time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	return float64(end.Sub(start).Microseconds()) / 1000.0
}

func trimPrefixIfPresent(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// extractUsage pulls prompt/completion/total token counts from doc at
// path, tolerating float64 (the json.Unmarshal-into-any numeric type).
func extractUsage(doc any, path string) *domain.Usage {
	v := fieldpath.Get(doc, path)
	obj, ok := v.(map[string]any)
	if !ok {
		return &domain.Usage{}
	}
	return &domain.Usage{
		PromptTokens:     asInt(obj["prompt_tokens"]),
		CompletionTokens: asInt(obj["completion_tokens"]),
		TotalTokens:      asInt(obj["total_tokens"]),
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// detectResponseError implements step 6: negative code, non-empty error
// (string or nested object), object/event == "error", or nested
// error.type/error.message.
func detectResponseError(doc any) error {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}

	if code, ok := obj["code"]; ok {
		if n := asInt(code); n < 0 {
			return errs.New(errs.KindResponseError, "response carried negative error code")
		}
	}

	if s, ok := obj["object"].(string); ok && s == "error" {
		return errs.New(errs.KindResponseError, "response object field is \"error\"")
	}
	if s, ok := obj["event"].(string); ok && s == "error" {
		return errs.New(errs.KindResponseError, "response event field is \"error\"")
	}

	switch errField := obj["error"].(type) {
	case string:
		if errField != "" {
			return errs.New(errs.KindResponseError, errs.TruncateTail(errField, 500))
		}
	case map[string]any:
		errType, _ := errField["type"].(string)
		errMsg, _ := errField["message"].(string)
		if errType != "" || errMsg != "" {
			msg := errType
			if errMsg != "" {
				if msg != "" {
					msg += ": "
				}
				msg += errMsg
			}
			return errs.New(errs.KindResponseError, errs.TruncateTail(msg, 500))
		}
		if len(errField) > 0 {
			return errs.New(errs.KindResponseError, "response carried a non-empty error object")
		}
	}

	return nil
}
