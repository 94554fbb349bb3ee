package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"go.uber.org/zap"
)

// parseSSEStream reads Gemini's streaming response format: SSE-like
// "data: {...}" lines where each chunk is a full generateContent response
// fragment rather than a small delta object.
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- llm.StreamChunk, logger *zap.Logger) (*llm.Output, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder, reasoningBuilder strings.Builder
	var modelUsed string
	var usage llm.Usage
	var finishReason string
	var toolCalls []entity.ToolCall

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			logger.Debug("skip unparseable gemini SSE chunk", zap.Error(err))
			continue
		}

		if resp.ModelVersion != "" {
			modelUsed = resp.ModelVersion
		}
		if resp.UsageMetadata != nil {
			usage.Input = resp.UsageMetadata.PromptTokenCount
			usage.Output = resp.UsageMetadata.CandidatesTokenCount
		}

		if len(resp.Candidates) == 0 {
			continue
		}

		candidate := resp.Candidates[0]
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
		}

		for _, part := range candidate.Content.Parts {
			isThought := part.Thought != nil && *part.Thought
			if part.Text != "" {
				if isThought {
					reasoningBuilder.WriteString(part.Text)
					if deltaCh != nil {
						deltaCh <- llm.StreamChunk{DeltaReason: part.Text}
					}
				} else {
					contentBuilder.WriteString(part.Text)
					if deltaCh != nil {
						deltaCh <- llm.StreamChunk{DeltaText: part.Text}
					}
				}
			}

			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil || string(args) == "null" {
					args = []byte("{}")
				}
				tc := entity.ToolCall{
					ID:   fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls)),
					Name: part.FunctionCall.Name,
					Args: string(args),
				}
				toolCalls = append(toolCalls, tc)
				if deltaCh != nil {
					deltaCh <- llm.StreamChunk{DeltaToolCall: &tc}
				}
			}
		}

		if finishReason != "" {
			if deltaCh != nil {
				deltaCh <- llm.StreamChunk{FinishReason: finishReason}
			}
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout — gemini API stalled", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCalls) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	return &llm.Output{
		Text:      contentBuilder.String(),
		Reasoning: reasoningBuilder.String(),
		Model:     modelUsed,
		Usage:     usage,
		ToolCalls: toolCalls,
	}, nil
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
