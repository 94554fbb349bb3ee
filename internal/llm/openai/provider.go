package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ngoclaw/gro/internal/apperr"
	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"go.uber.org/zap"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Driver {
		return New(cfg, logger)
	})
}

// Driver is a Go-native OpenAI-compatible HTTP client implementing dialect
// β. Compatible with OpenAI, Bailian (Qwen), MiniMax, DeepSeek, Ollama,
// vLLM and any other flat-message mirror.
type Driver struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an OpenAI-compatible dialect driver.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Driver {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Driver{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("dialect", "openai")),
	}
}

var _ llm.Driver = (*Driver)(nil)

func (d *Driver) Name() string { return d.name }

func (d *Driver) SupportsModel(model string) bool {
	if len(d.models) == 0 {
		return true
	}
	for _, m := range d.models {
		if m == model {
			return true
		}
	}
	return false
}

func (d *Driver) IsAvailable(ctx context.Context) bool {
	return d.apiKey != ""
}

func (d *Driver) Chat(ctx context.Context, messages []entity.Message, opts llm.Options, deltaCh chan<- llm.StreamChunk) (*llm.Output, error) {
	repaired, injected := llm.RepairHistoryReporting(messages, opts.PriorContinueInjections)
	apiReq := d.buildRequest(repaired, opts)

	if deltaCh == nil {
		out, err := d.chatOnce(ctx, apiReq, opts)
		if err == nil {
			out.ContinueInjected = injected
		}
		return out, err
	}

	streamBody := StreamRequest{Request: apiReq, Stream: true, StreamOptions: map[string]interface{}{"include_usage": true}}
	body, err := json.Marshal(streamBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "marshal openai request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "build openai request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "openai HTTP request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if d.rejectsReasoning(resp.StatusCode, respBody) {
			llm.MarkThinkingRejected(opts.Model)
		}
		return nil, apperr.New(apperr.KindProvider, fmt.Sprintf("openai API error %d: %s", resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode)
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.logger.Info("context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	out, err := parseSSEStream(ctx, resp.Body, deltaCh, d.logger)
	close(streamDone)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "openai stream failed", err)
	}
	if out.Model == "" {
		out.Model = opts.Model
	}
	out.ContinueInjected = injected
	return out, nil
}

func (d *Driver) chatOnce(ctx context.Context, apiReq *Request, opts llm.Options) (*llm.Output, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "marshal openai request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "build openai request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "openai HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "read openai response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if d.rejectsReasoning(resp.StatusCode, respBody) {
			llm.MarkThinkingRejected(opts.Model)
		}
		return nil, apperr.New(apperr.KindProvider, fmt.Sprintf("openai API error %d: %s", resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode).WithRequest(d.name, opts.Model, "", time.Since(start).Milliseconds())
	}

	return parseResponse(respBody)
}

func (d *Driver) rejectsReasoning(status int, body []byte) bool {
	if status < 400 || status >= 500 {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "reasoning_effort") || strings.Contains(lower, "thinking")
}

// buildRequest translates the canonical message list and options into
// dialect β's flat role/content shape, mapping an adaptive thinking plan
// to reasoning_effort when the model hasn't previously rejected it.
func (d *Driver) buildRequest(messages []entity.Message, opts llm.Options) *Request {
	model := opts.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &Request{Model: model}
	if opts.Temperature != nil {
		apiReq.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		apiReq.TopP = *opts.TopP
	}

	for _, m := range messages {
		apiMsg := Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ToolCallFunc{Name: tc.Name, Arguments: MarshalToolCallArgs(tc.Args)},
			})
		}
		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	for _, td := range opts.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Type:     "function",
			Function: ToolFunction{Name: td.Name, Description: td.Description, Parameters: ConvertSchema(td.Parameters)},
		})
	}

	if opts.ThinkingBudget > 0 && !llm.IsThinkingRejected(opts.Model) {
		plan := llm.ResolveThinking(opts.ThinkingBudget, llm.CapabilityAdaptive, apiReq.MaxTokens)
		if plan.Strategy == llm.ThinkingAdaptive {
			apiReq.ReasoningEffort = string(plan.Effort)
		}
	}

	return apiReq
}

func parseResponse(body []byte) (*llm.Output, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "parse openai response", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, apperr.New(apperr.KindProvider, "empty openai response: no choices")
	}

	choice := apiResp.Choices[0]
	out := &llm.Output{
		Text:      choice.Message.Content,
		Model:     apiResp.Model,
		RequestID: apiResp.ID,
		Usage:     llm.Usage{Input: apiResp.Usage.PromptTokens, Output: apiResp.Usage.CompletionTokens},
	}

	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, entity.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}

	return out, nil
}
