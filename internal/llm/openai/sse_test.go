package openai

import (
	"context"
	"strings"
	"testing"

	"github.com/ngoclaw/gro/internal/llm"
	"go.uber.org/zap"
)

func drainChunks(ch <-chan llm.StreamChunk) []llm.StreamChunk {
	var result []llm.StreamChunk
	for c := range ch {
		result = append(result, c)
	}
	return result
}

func TestParseSSEStream_TextOnly(t *testing.T) {
	sseData := `data: {"id":"chatcmpl-1","choices":[{"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-1","choices":[{"delta":{"content":" world"},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"!"},"finish_reason":"stop"}],"model":"gpt-4","usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}

data: [DONE]
`

	reader := strings.NewReader(sseData)
	deltaCh := make(chan llm.StreamChunk, 64)

	out, err := parseSSEStream(context.Background(), reader, deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Text != "Hello world!" {
		t.Fatalf("expected 'Hello world!', got %q", out.Text)
	}
	if out.Model != "gpt-4" {
		t.Fatalf("expected model 'gpt-4', got %q", out.Model)
	}
	if out.Usage.Total() != 42 {
		t.Fatalf("expected 42 tokens, got %d", out.Usage.Total())
	}
	if len(out.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %d", len(out.ToolCalls))
	}

	chunks := drainChunks(deltaCh)
	textChunks := 0
	for _, c := range chunks {
		if c.DeltaText != "" {
			textChunks++
		}
	}
	if textChunks != 3 {
		t.Fatalf("expected 3 text delta chunks, got %d", textChunks)
	}
}

func TestParseSSEStream_SingleToolCall(t *testing.T) {
	sseData := `data: {"id":"chatcmpl-2","choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"read_file","arguments":""}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-2","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-2","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main.go\"}"}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-2","choices":[{"delta":{},"finish_reason":"tool_calls"}],"model":"gpt-4","usage":{"total_tokens":100}}

data: [DONE]
`

	reader := strings.NewReader(sseData)
	deltaCh := make(chan llm.StreamChunk, 64)

	out, err := parseSSEStream(context.Background(), reader, deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	tc := out.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "read_file" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	if tc.Args != `{"path":"main.go"}` {
		t.Fatalf("expected assembled args, got %q", tc.Args)
	}
}

func TestParseSSEStream_ParallelToolCalls(t *testing.T) {
	sseData := `data: {"id":"chatcmpl-3","choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}},{"index":1,"id":"call_2","type":"function","function":{"name":"write_file","arguments":""}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-3","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":\"a.go\"}"}},{"index":1,"function":{"arguments":"{\"path\":\"b.go\"}"}}]},"finish_reason":null}],"model":"gpt-4"}

data: {"id":"chatcmpl-3","choices":[{"delta":{},"finish_reason":"tool_calls"}],"model":"gpt-4","usage":{"total_tokens":200}}

data: [DONE]
`

	reader := strings.NewReader(sseData)
	deltaCh := make(chan llm.StreamChunk, 64)

	out, err := parseSSEStream(context.Background(), reader, deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(out.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(out.ToolCalls))
	}
	if out.ToolCalls[0].Name != "read_file" || out.ToolCalls[1].Name != "write_file" {
		t.Fatalf("unexpected order: %+v", out.ToolCalls)
	}
}

func TestParseSSEStream_EmptyStream(t *testing.T) {
	sseData := "data: [DONE]\n"
	reader := strings.NewReader(sseData)
	deltaCh := make(chan llm.StreamChunk, 64)

	out, err := parseSSEStream(context.Background(), reader, deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "" || len(out.ToolCalls) != 0 {
		t.Fatalf("expected empty output, got %+v", out)
	}
}

func TestParseSSEStream_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sseData := `data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hello"},"finish_reason":null}],"model":"gpt-4"}

data: [DONE]
`
	reader := strings.NewReader(sseData)
	deltaCh := make(chan llm.StreamChunk, 64)

	_, err := parseSSEStream(ctx, reader, deltaCh, zap.NewNop())
	close(deltaCh)
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestParseSSEStream_MalformedJSON(t *testing.T) {
	sseData := `data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"Hello"},"finish_reason":null}],"model":"gpt-4"}

data: {this is not valid json}

data: {"id":"chatcmpl-1","choices":[{"delta":{"content":" world"},"finish_reason":"stop"}],"model":"gpt-4"}

data: [DONE]
`
	reader := strings.NewReader(sseData)
	deltaCh := make(chan llm.StreamChunk, 64)

	out, err := parseSSEStream(context.Background(), reader, deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", out.Text)
	}
}
