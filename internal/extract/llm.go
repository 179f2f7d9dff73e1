package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/relay/internal/record"
	"github.com/user/relay/pkg/llm"
)

// LLMExtractor extracts records with a structured-output chat model.
type LLMExtractor struct {
	provider llm.Provider
	prompts  *PromptEngine
}

var _ Extractor = (*LLMExtractor)(nil)

// NewLLMExtractor creates an extractor. prompts may be nil to send the whole
// transcript unbudgeted.
func NewLLMExtractor(provider llm.Provider, prompts *PromptEngine) *LLMExtractor {
	return &LLMExtractor{provider: provider, prompts: prompts}
}

func (x *LLMExtractor) Extract(ctx context.Context, transcript string, existing *record.Record) Result {
	if strings.TrimSpace(transcript) == "" {
		return Failed(ErrEmptyTranscript)
	}

	messages, err := x.prompts.Build(transcript, existing)
	if err != nil {
		return Failed(err)
	}

	resp, err := x.provider.Complete(ctx, llm.Request{
		Messages: messages,
		ResponseFormat: &llm.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &llm.JSONSchema{
				Name:   "nemsis_record",
				Strict: true,
				Schema: RecordSchema(),
			},
		},
	})
	if err != nil {
		return Failed(fmt.Errorf("llm completion: %w", err))
	}

	rec, err := record.Decode([]byte(stripJSON(resp.Content)))
	if err != nil {
		return Failed(fmt.Errorf("decode extraction: %w", err))
	}
	slog.Debug("extraction complete",
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	return OK(rec)
}

// stripJSON removes a markdown code fence and any text around the outermost object.
func stripJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}
