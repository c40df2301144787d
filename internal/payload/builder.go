// Package payload implements the Payload Builder: assembling the request
// body for each virtual-user call, either as OpenAI chat format or as a
// custom JSON template driven by a Field Map.
//
// Top-level field autofill (model/stream/messages) is done with
// tidwall/gjson+sjson directly against the template bytes, since those
// keys are always simple top-level names; Field Map paths (which can
// contain arbitrary dotted/integer segments and the list/index-0 descend
// quirk) go through internal/fieldpath instead.
package payload

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/riftlab/chatstress/internal/domain"
	"github.com/riftlab/chatstress/internal/errs"
	"github.com/riftlab/chatstress/internal/fieldpath"
)

const chatCompletionsPath = "/chat/completions"

// Config is the subset of the Run Context the Payload Builder needs.
type Config struct {
	Model          string
	Stream         bool
	SystemPrompt   string
	APIPath        string
	RequestPayload string
	FieldMap       *domain.FieldMap
	TestData       string
}

// Builder assembles request bodies per the spec's build() contract.
type Builder struct {
	cfg    Config
	logger *slog.Logger

	warnOnce sync.Once
}

// New constructs a Builder from cfg.
func New(cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FieldMap == nil {
		cfg.FieldMap = domain.DefaultFieldMap()
	} else {
		cfg.FieldMap = cfg.FieldMap.WithDefaults()
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Build assembles one request body. rec is nil when the task has no
// dataset configured (test_data == "").
func (b *Builder) Build(rec *domain.PromptRecord) (body []byte, userPromptText string, err error) {
	template := strings.TrimSpace(b.cfg.RequestPayload)
	if template == "" {
		return b.synthesizeDefault()
	}

	if !gjson.Valid(template) {
		return nil, "", errs.New(errs.KindInvalidRequestPayload, "request_payload is not valid JSON")
	}

	noDataset := rec == nil
	if noDataset {
		var doc any
		if err := json.Unmarshal([]byte(template), &doc); err != nil {
			return nil, "", errs.Wrap(errs.KindInvalidRequestPayload, "decode request_payload", err)
		}
		prompt := fieldPathOrEmpty(doc, b.cfg.FieldMap.Prompt)
		return []byte(template), prompt, nil
	}

	if b.cfg.APIPath == chatCompletionsPath {
		return b.buildChatCompletions(template, rec)
	}
	return b.buildCustomAPI(template, rec)
}

func (b *Builder) synthesizeDefault() ([]byte, string, error) {
	doc := map[string]any{
		"model":  b.cfg.Model,
		"stream": b.cfg.Stream,
		"messages": []any{
			map[string]any{"role": "user", "content": "Hi"},
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindInvalidRequestPayload, "synthesize default payload", err)
	}
	return out, "Hi", nil
}

func (b *Builder) buildChatCompletions(template string, rec *domain.PromptRecord) ([]byte, string, error) {
	var messages []any

	if b.cfg.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": b.cfg.SystemPrompt})
	}

	var content any
	if rec.HasImage() {
		imageURL := rec.ImageURL
		if imageURL == "" {
			imageURL = "data:image/png;base64," + rec.ImageBase64
		}
		content = []any{
			map[string]any{"type": "text", "text": rec.Text},
			map[string]any{"type": "image_url", "image_url": map[string]any{"url": imageURL}},
		}
	} else {
		content = rec.Text
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	out, err := sjson.SetBytes([]byte(template), "messages", messages)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindInvalidRequestPayload, "set messages field", err)
	}

	out = autofillIfEmpty(out, "model", b.cfg.Model)
	out = autofillBoolIfAbsent(out, "stream", b.cfg.Stream)

	return out, rec.Text, nil
}

func (b *Builder) buildCustomAPI(template string, rec *domain.PromptRecord) ([]byte, string, error) {
	promptPath := b.cfg.FieldMap.Prompt
	if promptPath == "" {
		b.warnOnce.Do(func() {
			b.logger.Warn("no field_map.prompt configured; passing custom API template unchanged")
		})
		return []byte(template), "", nil
	}

	var doc any
	if err := json.Unmarshal([]byte(template), &doc); err != nil {
		return nil, "", errs.Wrap(errs.KindInvalidRequestPayload, "decode request_payload", err)
	}

	updated := fieldpath.Set(doc, promptPath, rec.Text)
	out, err := json.Marshal(updated)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindInvalidRequestPayload, "marshal updated payload", err)
	}
	return out, rec.Text, nil
}

func autofillIfEmpty(doc []byte, key, value string) []byte {
	existing := gjson.GetBytes(doc, key)
	if existing.Exists() && existing.String() != "" {
		return doc
	}
	out, err := sjson.SetBytes(doc, key, value)
	if err != nil {
		return doc
	}
	return out
}

func autofillBoolIfAbsent(doc []byte, key string, value bool) []byte {
	existing := gjson.GetBytes(doc, key)
	if existing.Exists() {
		return doc
	}
	out, err := sjson.SetBytes(doc, key, value)
	if err != nil {
		return doc
	}
	return out
}

func fieldPathOrEmpty(doc any, path string) string {
	if path == "" {
		return ""
	}
	return fieldpath.GetString(doc, path)
}
