package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"github.com/ngoclaw/gro/internal/page"
)

type stubDriver struct {
	text string
	err  error
}

func (d *stubDriver) Name() string                   { return "stub" }
func (d *stubDriver) SupportsModel(model string) bool { return true }
func (d *stubDriver) IsAvailable(ctx context.Context) bool { return true }
func (d *stubDriver) Chat(ctx context.Context, messages []entity.Message, opts llm.Options, deltaCh chan<- llm.StreamChunk) (*llm.Output, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &llm.Output{Text: d.text}, nil
}

func TestDriverSummarizerEmptyMessagesSkipsCall(t *testing.T) {
	s := NewDriverSummarizer(&stubDriver{text: "should not be used"}, "m1")
	out, err := s.Summarize(context.Background(), page.LaneUser, nil)
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestDriverSummarizerReturnsTrimmedText(t *testing.T) {
	s := NewDriverSummarizer(&stubDriver{text: "  a short summary  "}, "m1")
	out, err := s.Summarize(context.Background(), page.LaneAssistant, []entity.Message{
		{Role: entity.RoleUser, Content: "do the thing"},
		{Role: entity.RoleAssistant, Content: "done"},
	})
	require.NoError(t, err)
	require.Equal(t, "a short summary", out)
}
