// Package llm defines the provider adaptation layer: the canonical
// Driver interface every dialect implements, the shared history-repair
// pass run before translation, thinking-budget resolution, and the
// provider-selecting Router with its per-provider circuit breaker.
package llm

import (
	"context"
	"sync"

	"github.com/ngoclaw/gro/internal/entity"
	"go.uber.org/zap"
)

// ToolDef is the canonical tool definition passed to a driver.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Usage reports token consumption for one call.
type Usage struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

// Total returns the billable token count.
func (u Usage) Total() int { return u.Input + u.Output }

// StreamChunk is delivered on a driver's delta channel as a response
// streams in.
type StreamChunk struct {
	DeltaText     string
	DeltaReason   string
	DeltaToolCall *entity.ToolCall // may be partial; finalized in Output
	FinishReason  string
}

// Options carries everything a chat call needs beyond the message list.
type Options struct {
	Model          string
	Tools          []ToolDef
	Temperature    *float64
	TopP           *float64
	TopK           *int
	ThinkingBudget float64 // 0..1
	CacheEnabled   bool

	// PriorContinueInjections is how many synthetic "(continue)" turns
	// RepairHistory has already injected for this session; each dialect's
	// Chat forwards it straight into RepairHistory so the loop-breaking
	// ceiling (maxContinueInjections) is enforced across calls, not reset
	// to zero on every turn.
	PriorContinueInjections int
}

// Output is what a driver call resolves to.
type Output struct {
	Text      string
	ToolCalls []entity.ToolCall
	Reasoning string
	Usage     Usage
	Model     string
	RequestID string

	// ContinueInjected reports whether RepairHistory had to synthesize a
	// "(continue)" turn to repair the trailing message before this call.
	// Callers maintaining a running PriorContinueInjections counter across
	// turns add this in, rather than reconstructing it from the message
	// history themselves.
	ContinueInjected bool
}

// Driver is implemented once per wire dialect (anthropic, openai, gemini).
type Driver interface {
	Name() string
	SupportsModel(model string) bool
	IsAvailable(ctx context.Context) bool

	// Chat issues one request, optionally streaming deltas on deltaCh
	// (which may be nil for a non-streaming call).
	Chat(ctx context.Context, messages []entity.Message, opts Options, deltaCh chan<- StreamChunk) (*Output, error)
}

// ProviderConfig configures a Driver instance.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Models  []string
}

// FactoryFunc builds a Driver from config.
type FactoryFunc func(cfg ProviderConfig, logger *zap.Logger) Driver

var (
	factoriesMu sync.Mutex
	factories   = map[string]FactoryFunc{}
)

// RegisterFactory registers a driver constructor under a dialect name
// ("anthropic", "openai", "gemini"). Called from each subpackage's init().
func RegisterFactory(name string, fn FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = fn
}

// CreateDriver builds a driver by name, defaulting to "openai" (the most
// widely mirrored dialect) when typ names an unregistered type.
func CreateDriver(typ string, cfg ProviderConfig, logger *zap.Logger) Driver {
	factoriesMu.Lock()
	fn, ok := factories[typ]
	factoriesMu.Unlock()
	if !ok {
		factoriesMu.Lock()
		fn = factories["openai"]
		factoriesMu.Unlock()
	}
	if fn == nil {
		return nil
	}
	return fn(cfg, logger)
}
