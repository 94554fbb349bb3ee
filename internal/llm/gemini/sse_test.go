package gemini

import (
	"context"
	"strings"
	"testing"

	"github.com/ngoclaw/gro/internal/llm"
	"go.uber.org/zap"
)

func TestParseSSEStream_TextOnly(t *testing.T) {
	sseData := `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}],"modelVersion":"gemini-2.5-pro"}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}

`
	deltaCh := make(chan llm.StreamChunk, 64)
	out, err := parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", out.Text)
	}
	if out.Model != "gemini-2.5-pro" {
		t.Fatalf("expected model gemini-2.5-pro, got %q", out.Model)
	}
	if out.Usage.Input != 10 || out.Usage.Output != 5 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}

func TestParseSSEStream_FunctionCall(t *testing.T) {
	sseData := `data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"read_file","args":{"path":"main.go"}}}]},"finishReason":"STOP"}]}

`
	deltaCh := make(chan llm.StreamChunk, 64)
	out, err := parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	if out.ToolCalls[0].Name != "read_file" {
		t.Fatalf("unexpected tool call: %+v", out.ToolCalls[0])
	}
	if out.ToolCalls[0].Args != `{"path":"main.go"}` {
		t.Fatalf("unexpected args: %q", out.ToolCalls[0].Args)
	}
}

func TestParseSSEStream_ThoughtPart(t *testing.T) {
	truth := true
	_ = truth
	sseData := `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"pondering","thought":true}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":"answer"}]},"finishReason":"STOP"}]}

`
	deltaCh := make(chan llm.StreamChunk, 64)
	out, err := parseSSEStream(context.Background(), strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reasoning != "pondering" {
		t.Fatalf("expected reasoning captured, got %q", out.Reasoning)
	}
	if out.Text != "answer" {
		t.Fatalf("expected text 'answer', got %q", out.Text)
	}
}

func TestParseSSEStream_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sseData := `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hi"}]}}]}

`
	deltaCh := make(chan llm.StreamChunk, 64)
	_, err := parseSSEStream(ctx, strings.NewReader(sseData), deltaCh, zap.NewNop())
	close(deltaCh)
	if err == nil {
		t.Fatal("expected context error")
	}
}
