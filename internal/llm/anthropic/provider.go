package anthropic

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

const anthropicVersion = "2023-06-01"

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Driver {
		return New(cfg, logger)
	})
}

// Driver implements dialect α against the Anthropic Messages API.
type Driver struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Anthropic dialect driver.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Driver {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
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
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("dialect", "anthropic")),
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

// Chat issues one Messages API call, streaming deltas on deltaCh when it's
// non-nil, and falling back to a non-streaming call otherwise.
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

	apiReq.Stream = true
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "marshal anthropic request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "build anthropic request", err)
	}
	d.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "anthropic HTTP request failed", err).WithRequest(d.name, opts.Model, "", 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if d.rejectsThinking(resp.StatusCode, respBody) {
			llm.MarkThinkingRejected(opts.Model)
		}
		return nil, apperr.New(apperr.KindProvider, fmt.Sprintf("anthropic API error %d: %s", resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode)
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.logger.Info("context cancelled, force-closing anthropic SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	out, err := parseSSEStream(ctx, resp.Body, deltaCh, d.logger)
	close(streamDone)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "anthropic stream failed", err)
	}
	out.Model = opts.Model
	out.ContinueInjected = injected
	return out, nil
}

func (d *Driver) chatOnce(ctx context.Context, apiReq *Request, opts llm.Options) (*llm.Output, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "marshal anthropic request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "build anthropic request", err)
	}
	d.setHeaders(httpReq)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "anthropic HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "read anthropic response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if d.rejectsThinking(resp.StatusCode, respBody) {
			llm.MarkThinkingRejected(opts.Model)
		}
		return nil, apperr.New(apperr.KindProvider, fmt.Sprintf("anthropic API error %d: %s", resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode).WithRequest(d.name, opts.Model, "", time.Since(start).Milliseconds())
	}

	return parseResponse(respBody)
}

func (d *Driver) rejectsThinking(status int, body []byte) bool {
	return status >= 400 && status < 500 && strings.Contains(strings.ToLower(string(body)), "thinking")
}

func (d *Driver) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

// buildRequest translates the canonical message list and options into
// dialect α's block-content shape: a top-level system array, cache-control
// breakpoints on the most stable prefix, and a manual thinking budget when
// the call requests one and the model hasn't previously rejected it.
func (d *Driver) buildRequest(messages []entity.Message, opts llm.Options) *Request {
	model := opts.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	maxTokens := 8192
	apiReq := &Request{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if opts.Temperature != nil {
		apiReq.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		apiReq.TopP = *opts.TopP
	}
	if opts.TopK != nil {
		apiReq.TopK = *opts.TopK
	}

	var systemBlocks []SystemBlock
	var apiMessages []Message

	for _, m := range messages {
		switch m.Role {
		case entity.RoleSystem:
			systemBlocks = append(systemBlocks, SystemBlock{Kind: llm.BlockStaticSystem, Text: m.Content})

		case entity.RoleAssistant:
			var blocks []ContentBlock
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]interface{}
				_ = json.Unmarshal([]byte(tc.Args), &input)
				blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) > 0 {
				apiMessages = append(apiMessages, Message{Role: "assistant", Content: blocks})
			}

		case entity.RoleTool:
			apiMessages = append(apiMessages, Message{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default: // user
			apiMessages = append(apiMessages, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	apiReq.Messages = apiMessages

	for _, td := range opts.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: ConvertSchema(td.Parameters),
		})
	}

	if opts.CacheEnabled {
		sorted, placement := llm.PlanCacheHints(systemBlocks, len(apiReq.Tools) > 0)
		systemBlocks = sorted
		for _, sb := range systemBlocks {
			apiReq.System = append(apiReq.System, SystemBlock{Type: "text", Text: sb.Text})
		}
		for _, idx := range placement.BlockBreakpoints {
			if idx < len(apiReq.System) {
				apiReq.System[idx].CacheControl = &CacheControl{Type: "ephemeral"}
			}
		}
		if placement.ToolsBreakpoint && len(apiReq.Tools) > 0 {
			apiReq.Tools[len(apiReq.Tools)-1].CacheControl = &CacheControl{Type: "ephemeral"}
		}
	} else {
		for _, sb := range systemBlocks {
			apiReq.System = append(apiReq.System, SystemBlock{Type: "text", Text: sb.Text})
		}
	}

	if opts.ThinkingBudget > 0 && !llm.IsThinkingRejected(opts.Model) {
		plan := llm.ResolveThinking(opts.ThinkingBudget, llm.CapabilityManual, maxTokens)
		if plan.Strategy == llm.ThinkingManual && plan.TokenBudget > 0 {
			apiReq.Thinking = &ThinkingField{Type: "enabled", BudgetTokens: plan.TokenBudget}
		}
	}

	return apiReq
}

func parseResponse(body []byte) (*llm.Output, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "parse anthropic response", err)
	}

	out := &llm.Output{
		Model:     apiResp.Model,
		RequestID: apiResp.ID,
		Usage: llm.Usage{
			Input:      apiResp.Usage.InputTokens,
			Output:     apiResp.Usage.OutputTokens,
			CacheWrite: apiResp.Usage.CacheCreationInputTokens,
			CacheRead:  apiResp.Usage.CacheReadInputTokens,
		},
	}

	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "thinking":
			out.Reasoning += block.Thinking
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil || string(args) == "null" {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, entity.ToolCall{ID: block.ID, Name: block.Name, Args: string(args)})
		}
	}

	return out, nil
}
