package gemini

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
	llm.RegisterFactory("gemini", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Driver {
		return New(cfg, logger)
	})
}

// Driver implements dialect γ against the Google Gemini generateContent API.
type Driver struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Gemini dialect driver.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Driver {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
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
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("dialect", "gemini")),
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
	model := stripPrefix(opts.Model)

	if deltaCh == nil {
		out, err := d.chatOnce(ctx, apiReq, model, opts)
		if err == nil {
			out.ContinueInjected = injected
		}
		return out, err
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "marshal gemini request", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", d.baseURL, model, d.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "build gemini request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "gemini HTTP request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if d.rejectsThinking(resp.StatusCode, respBody) {
			llm.MarkThinkingRejected(opts.Model)
		}
		return nil, apperr.New(apperr.KindProvider, fmt.Sprintf("gemini API error %d: %s", resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode)
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.logger.Info("context cancelled, force-closing gemini SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	out, err := parseSSEStream(ctx, resp.Body, deltaCh, d.logger)
	close(streamDone)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "gemini stream failed", err)
	}
	if out.Model == "" {
		out.Model = opts.Model
	}
	out.ContinueInjected = injected
	return out, nil
}

func (d *Driver) chatOnce(ctx context.Context, apiReq *Request, model string, opts llm.Options) (*llm.Output, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "marshal gemini request", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", d.baseURL, model, d.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "build gemini request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "gemini HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "read gemini response", err)
	}

	if resp.StatusCode != http.StatusOK {
		if d.rejectsThinking(resp.StatusCode, respBody) {
			llm.MarkThinkingRejected(opts.Model)
		}
		return nil, apperr.New(apperr.KindProvider, fmt.Sprintf("gemini API error %d: %s", resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode).WithRequest(d.name, opts.Model, "", time.Since(start).Milliseconds())
	}

	return parseResponse(respBody)
}

func (d *Driver) rejectsThinking(status int, body []byte) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return strings.Contains(strings.ToLower(string(body)), "thinking")
}

func stripPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// buildRequest translates the canonical message list and options into
// dialect γ's structured parts shape, mapping a manual thinking plan to
// thinkingConfig.thinkingBudget when the model hasn't previously rejected
// it.
func (d *Driver) buildRequest(messages []entity.Message, opts llm.Options) *Request {
	apiReq := &Request{GenerationConfig: &GenerationConfig{}}
	if opts.Temperature != nil {
		apiReq.GenerationConfig.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		apiReq.GenerationConfig.TopP = *opts.TopP
	}

	for _, m := range messages {
		switch m.Role {
		case entity.RoleSystem:
			apiReq.SystemInstruction = &Content{Parts: []Part{{Text: m.Content}}}

		case entity.RoleAssistant:
			content := Content{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]interface{}
				_ = json.Unmarshal([]byte(tc.Args), &args)
				content.Parts = append(content.Parts, Part{FunctionCall: &FunctionCall{Name: tc.Name, Args: args}})
			}
			if len(content.Parts) > 0 {
				apiReq.Contents = append(apiReq.Contents, content)
			}

		case entity.RoleTool:
			apiReq.Contents = append(apiReq.Contents, Content{
				Role: "user",
				Parts: []Part{{
					FunctionResponse: &FunctionResponse{
						Name:     m.ToolName,
						Response: map[string]interface{}{"output": m.Content},
					},
				}},
			})

		default: // user
			apiReq.Contents = append(apiReq.Contents, Content{Role: "user", Parts: []Part{{Text: m.Content}}})
		}
	}

	if len(opts.Tools) > 0 {
		var decls []FunctionDeclarationSpec
		for _, td := range opts.Tools {
			decls = append(decls, FunctionDeclarationSpec{Name: td.Name, Description: td.Description, Parameters: ConvertSchema(td.Parameters)})
		}
		apiReq.Tools = []ToolDeclaration{{FunctionDeclarations: decls}}
	}

	model := stripPrefix(opts.Model)
	if opts.ThinkingBudget > 0 && !llm.IsThinkingRejected(opts.Model) {
		maxTokens := apiReq.GenerationConfig.MaxOutputTokens
		if maxTokens == 0 {
			maxTokens = 8192
		}
		plan := llm.ResolveThinking(opts.ThinkingBudget, llm.CapabilityManual, maxTokens)
		if plan.Strategy == llm.ThinkingManual && plan.TokenBudget > 0 {
			apiReq.GenerationConfig.ThinkingConfig = &ThinkingConfig{ThinkingBudget: plan.TokenBudget, IncludeThoughts: true}
		}
	}

	return apiReq
}

func parseResponse(body []byte) (*llm.Output, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "parse gemini response", err)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, apperr.New(apperr.KindProvider, "empty gemini response: no candidates")
	}

	candidate := apiResp.Candidates[0]
	out := &llm.Output{Model: apiResp.ModelVersion}
	if apiResp.UsageMetadata != nil {
		out.Usage = llm.Usage{Input: apiResp.UsageMetadata.PromptTokenCount, Output: apiResp.UsageMetadata.CandidatesTokenCount}
	}

	for _, part := range candidate.Content.Parts {
		isThought := part.Thought != nil && *part.Thought
		if part.Text != "" {
			if isThought {
				out.Reasoning += part.Text
			} else {
				out.Text += part.Text
			}
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || string(args) == "null" {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, entity.ToolCall{
				ID:   fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(out.ToolCalls)),
				Name: part.FunctionCall.Name,
				Args: string(args),
			})
		}
	}

	return out, nil
}
