package anthropic

import (
	"context"
	"strings"
	"testing"

	"github.com/ngoclaw/gro/internal/llm"
	"go.uber.org/zap"
)

func TestParseSSEStream_TextOnly(t *testing.T) {
	sseData := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":0}}}` + "\n\n" +
		"event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}` + "\n\n" +
		"event: content_block_stop\n" +
		`data: {"type":"content_block_stop","index":0}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	deltaCh := make(chan llm.StreamChunk, 64)
	out, err := parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", out.Text)
	}
	if out.Model != "claude-sonnet-4" {
		t.Fatalf("expected model claude-sonnet-4, got %q", out.Model)
	}
	if out.Usage.Input != 10 || out.Usage.Output != 5 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}

func TestParseSSEStream_ToolUse(t *testing.T) {
	sseData := "event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}` + "\n\n" +
		"event: content_block_stop\n" +
		`data: {"type":"content_block_stop","index":0}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}` + "\n\n"

	deltaCh := make(chan llm.StreamChunk, 64)
	out, err := parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	tc := out.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "read_file" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	if tc.Args != `{"path":"main.go"}` {
		t.Fatalf("expected assembled args, got %q", tc.Args)
	}
}

func TestParseSSEStream_ThinkingDelta(t *testing.T) {
	sseData := "event: content_block_start\n" +
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"considering options"}}` + "\n\n"

	deltaCh := make(chan llm.StreamChunk, 64)
	out, err := parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reasoning != "considering options" {
		t.Fatalf("expected reasoning captured, got %q", out.Reasoning)
	}
}

func TestParseSSEStream_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sseData := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}` + "\n\n"

	deltaCh := make(chan llm.StreamChunk, 64)
	_, err := parseSSEStream(ctx, strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err == nil {
		t.Fatal("expected context error")
	}
}
