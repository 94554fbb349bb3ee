package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"github.com/ngoclaw/gro/internal/page"
)

// DriverSummarizer is the synchronous-mode Summarizer: it issues one
// non-streaming, non-tool-calling completion against a driver to compress
// a lane's evicted messages into a short summary, adapted from
// internal/domain/context/summarizer.go's LLMSummarizer (same
// single-prompt, token-budget-trimmed approach, ported to an
// English-language prompt and to the llm.Driver interface directly
// instead of a narrower ModelClient wrapper).
type DriverSummarizer struct {
	driver llm.Driver
	model  string
}

// NewDriverSummarizer builds a summarizer that calls model via driver.
func NewDriverSummarizer(driver llm.Driver, model string) *DriverSummarizer {
	return &DriverSummarizer{driver: driver, model: model}
}

const summaryPrompt = `Compress the following conversation excerpt into a short summary, preserving:
1. The user's core goals and requests
2. Decisions made and actions taken
3. Any facts, names, or values that later turns might need
4. Unresolved questions or follow-ups

Keep it under 200 words, as a terse bullet list. Do not restate the instructions.

Conversation excerpt:
%s

Summary:`

// Summarize implements memory.Summarizer.
func (s *DriverSummarizer) Summarize(ctx context.Context, lane page.Lane, messages []entity.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString("[")
		sb.WriteString(string(m.Role))
		sb.WriteString("]: ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	prompt := fmt.Sprintf(summaryPrompt, sb.String())
	out, err := s.driver.Chat(ctx, []entity.Message{{Role: entity.RoleUser, Content: prompt}}, llm.Options{Model: s.model}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

var _ Summarizer = (*DriverSummarizer)(nil)
