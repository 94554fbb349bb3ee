package anthropic

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

// toolCallAccumulator tracks a tool_use block being streamed.
type toolCallAccumulator struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseSSEStream reads Anthropic's event-based SSE format.
//
// Anthropic SSE events:
//   - message_start         → initial message metadata
//   - content_block_start   → new content block (text, tool_use, thinking)
//   - content_block_delta   → incremental update to current block
//   - content_block_stop    → current block finished
//   - message_delta         → stop_reason + final usage
//   - message_stop          → stream complete
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- llm.StreamChunk, logger *zap.Logger) (*llm.Output, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var reasoningBuilder strings.Builder
	var modelUsed, requestID string
	var usage llm.Usage
	var finishReason string
	toolCalls := make(map[int]*toolCallAccumulator)
	order := make([]int, 0, 4)
	var currentEventType string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable message_start", zap.Error(err))
				continue
			}
			if evt.Message != nil {
				modelUsed = evt.Message.Model
				requestID = evt.Message.ID
				usage = mergeUsage(usage, evt.Message.Usage)
			}

		case "content_block_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable content_block_start", zap.Error(err))
				continue
			}
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				toolCalls[evt.Index] = &toolCallAccumulator{ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
				order = append(order, evt.Index)
			}

		case "content_block_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable content_block_delta", zap.Error(err))
				continue
			}
			if evt.Delta == nil {
				continue
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					contentBuilder.WriteString(evt.Delta.Text)
					if deltaCh != nil {
						deltaCh <- llm.StreamChunk{DeltaText: evt.Delta.Text}
					}
				}
			case "input_json_delta":
				if acc, ok := toolCalls[evt.Index]; ok {
					acc.ArgsBuilder.WriteString(evt.Delta.PartialJSON)
				}
			case "thinking_delta":
				if evt.Delta.Thinking != "" {
					reasoningBuilder.WriteString(evt.Delta.Thinking)
					if deltaCh != nil {
						deltaCh <- llm.StreamChunk{DeltaReason: evt.Delta.Thinking}
					}
				}
			}

		case "message_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable message_delta", zap.Error(err))
				continue
			}
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				finishReason = evt.Delta.StopReason
			}
			if evt.Usage != nil {
				usage = mergeUsage(usage, *evt.Usage)
			}

		case "message_stop":
			// stream complete

		case "ping":
			// heartbeat

		default:
			logger.Debug("unknown anthropic SSE event type", zap.String("type", currentEventType))
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout — anthropic API stalled", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCalls) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	if finishReason != "" && deltaCh != nil {
		deltaCh <- llm.StreamChunk{FinishReason: finishReason}
	}

	out := &llm.Output{
		Text:      contentBuilder.String(),
		Reasoning: reasoningBuilder.String(),
		Model:     modelUsed,
		RequestID: requestID,
		Usage:     usage,
	}

	for _, idx := range order {
		acc, ok := toolCalls[idx]
		if !ok {
			continue
		}
		args := acc.ArgsBuilder.String()
		if args == "" {
			args = "{}"
		} else if !json.Valid([]byte(args)) {
			args = "{}"
		}
		tc := entity.ToolCall{ID: acc.ID, Name: acc.Name, Args: args}
		out.ToolCalls = append(out.ToolCalls, tc)
		if deltaCh != nil {
			deltaCh <- llm.StreamChunk{DeltaToolCall: &tc}
		}
	}

	return out, nil
}

func mergeUsage(acc llm.Usage, u Usage) llm.Usage {
	if u.InputTokens > 0 {
		acc.Input = u.InputTokens
	}
	if u.OutputTokens > 0 {
		acc.Output = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		acc.CacheWrite = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		acc.CacheRead = u.CacheReadInputTokens
	}
	return acc
}

// --- SSE idle timeout support (shared pattern across all three dialects) ---

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
