package extract

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/relay/internal/record"
	"github.com/user/relay/pkg/llm"
)

const systemPrompt = `You are an EMS data extraction assistant producing NEMSIS-style ePCR fields.

Your task: extract structured patient care data from a paramedic's spoken transcript.

Rules:
- Only fill fields you can confidently extract from the transcript.
- Leave fields null when the information is absent or unclear.
- Split full names into patient_name_first and patient_name_last.
- Vitals are numeric values only.
- List every procedure and medication mentioned.
- Gender is "Male", "Female" or "Unknown".
- Put any mentioned location into the patient address fields.
- Put the patient's GP or primary care doctor into the provider fields; copy phone numbers digit for digit.`

// PromptEngine assembles token-budgeted extraction prompts. When the
// transcript does not fit, the oldest words are dropped first: the previous
// record already carries what they said.
type PromptEngine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewPromptEngine creates a prompt engine with the specified token budget.
// model selects the tokenizer; unknown models fall back to cl100k_base.
// reserve is the number of tokens kept free for the structured response.
func NewPromptEngine(model string, maxTokens, reserve int) (*PromptEngine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &PromptEngine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

func (e *PromptEngine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Build returns the system and user messages for one extraction pass.
// A nil engine applies no budget.
func (e *PromptEngine) Build(transcript string, existing *record.Record) ([]llm.Message, error) {
	var prior string
	if existing != nil && !record.Equal(existing, record.New()) {
		data, err := existing.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode existing record: %w", err)
		}
		prior = "\n\nPreviously extracted data (refine it, never replace known values with null):\n" + string(data)
	}

	if e != nil {
		budget := e.maxTokens - e.reserve - e.countTokens(systemPrompt) - e.countTokens(prior) - 32
		transcript = e.fitTail(transcript, budget)
	}

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Extract ePCR fields from this paramedic transcript:\n\n" + transcript + prior},
	}, nil
}

// fitTail drops leading words until text fits in budget tokens.
func (e *PromptEngine) fitTail(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if e.countTokens(text) <= budget {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi) / 2
		if e.countTokens(strings.Join(words[mid:], " ")) <= budget {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return strings.Join(words[lo:], " ")
}
