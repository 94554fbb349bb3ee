package openai

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

// toolCallAccumulator accumulates tool call fragments across SSE chunks.
type toolCallAccumulator struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseSSEStream reads a text/event-stream response, emitting deltas and
// accumulating the final output.
//
// Three-tier termination protection:
//
//	L1: break on finish_reason (don't wait for [DONE] — some mirrors never
//	    send it)
//	L2: 60s read idle timeout (detect stale connections)
//	L3: per-call context timeout, enforced by the caller
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- llm.StreamChunk, logger *zap.Logger) (*llm.Output, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	toolCallMap := make(map[int]*toolCallAccumulator)
	order := make([]int, 0, 4)
	var modelUsed, requestID string
	var usage llm.Usage
	var finishReason string

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

		var chunk StreamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.ID != "" {
			requestID = chunk.ID
		}
		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil {
			usage.Input = chunk.Usage.PromptTokens
			usage.Output = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta

		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			if deltaCh != nil {
				deltaCh <- llm.StreamChunk{DeltaText: delta.Content}
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if _, ok := toolCallMap[idx]; !ok {
				toolCallMap[idx] = &toolCallAccumulator{ID: tc.ID, Name: tc.Function.Name}
				order = append(order, idx)
			}
			acc := toolCallMap[idx]
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.ArgsBuilder.WriteString(tc.Function.Arguments)
		}

		if finishReason != "" {
			if deltaCh != nil {
				deltaCh <- llm.StreamChunk{FinishReason: finishReason}
			}
			logger.Debug("SSE stream: finish_reason received, breaking", zap.String("finish_reason", finishReason))
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout — API stalled", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCallMap) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
			logger.Info("returning partial SSE response after idle timeout")
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	out := &llm.Output{
		Text:      contentBuilder.String(),
		Model:     modelUsed,
		RequestID: requestID,
		Usage:     usage,
	}

	for _, idx := range order {
		acc := toolCallMap[idx]
		args := acc.ArgsBuilder.String()
		if args == "" || !json.Valid([]byte(args)) {
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
