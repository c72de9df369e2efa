package agent

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// EvidenceEncoding is the tokenizer used to cap evidence size.
const EvidenceEncoding = "cl100k_base"

// Tokenizer encodes and decodes text to model tokens.
type Tokenizer interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// Truncator caps evidence content to a token budget.
type Truncator struct {
	tokenizer Tokenizer
	maxTokens int
}

// NewTruncator loads the evidence tokenizer. A zero budget disables
// truncation; if the encoding cannot be loaded content is passed through.
func NewTruncator(maxTokens int, logger *slog.Logger) *Truncator {
	if maxTokens <= 0 {
		return &Truncator{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	enc, err := tiktoken.GetEncoding(EvidenceEncoding)
	if err != nil {
		logger.Warn("failed to load tokenizer, evidence will not be truncated", "encoding", EvidenceEncoding, "error", err)
		return &Truncator{}
	}
	return NewTruncatorWithTokenizer(enc, maxTokens)
}

// NewTruncatorWithTokenizer builds a Truncator around tok.
func NewTruncatorWithTokenizer(tok Tokenizer, maxTokens int) *Truncator {
	return &Truncator{tokenizer: tok, maxTokens: maxTokens}
}

// Truncate returns content cut to the budget and whether it was cut.
func (t *Truncator) Truncate(content string) (string, bool) {
	if t == nil || t.tokenizer == nil || t.maxTokens <= 0 || content == "" {
		return content, false
	}

	tokens := t.tokenizer.Encode(content, nil, nil)
	if len(tokens) <= t.maxTokens {
		return content, false
	}
	return t.tokenizer.Decode(tokens[:t.maxTokens]), true
}
