package scheduler

import (
	"context"
	"strings"
	"testing"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/page"
	"github.com/ngoclaw/gro/internal/runtimestate"
	"github.com/ngoclaw/gro/internal/sensor"
	"github.com/ngoclaw/gro/internal/tool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedDriver replays a fixed sequence of outputs, one per Chat call.
type scriptedDriver struct {
	outputs []llm.Output
	calls   int
}

func (d *scriptedDriver) Name() string                          { return "scripted" }
func (d *scriptedDriver) SupportsModel(model string) bool        { return true }
func (d *scriptedDriver) IsAvailable(ctx context.Context) bool    { return true }

func (d *scriptedDriver) Chat(ctx context.Context, messages []entity.Message, opts llm.Options, deltaCh chan<- llm.StreamChunk) (*llm.Output, error) {
	if deltaCh != nil {
		close(deltaCh)
	}
	if d.calls >= len(d.outputs) {
		out := d.outputs[len(d.outputs)-1]
		return &out, nil
	}
	out := d.outputs[d.calls]
	d.calls++
	return &out, nil
}

type echoTool struct {
	output string
}

func (e *echoTool) Name() string                        { return "echo" }
func (e *echoTool) Description() string                 { return "echoes back" }
func (e *echoTool) Schema() map[string]interface{}       { return map[string]interface{}{} }
func (e *echoTool) Execute(ctx context.Context, argsJSON string) (*tool.Result, error) {
	return &tool.Result{Output: e.output, Success: true}, nil
}

func newTestScheduler(t *testing.T, driver llm.Driver, registry tool.Registry) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	store, err := page.NewStore(dir)
	require.NoError(t, err)

	mem := memory.New(store, memory.DefaultParams(), memory.ModeSync, nil, nil, zap.NewNop())
	rt := runtimestate.New(runtimestate.Defaults{Temperature: 0.7, TopP: 1, TopK: 40, WorkingBudget: 60000}, zap.NewNop())
	dejavu := sensor.NewDejaVuTracker(100, 2)
	famil := sensor.NewFamiliarityTracker()

	cfg := DefaultConfig()
	return New(cfg, driver, registry, mem, rt, dejavu, famil, zap.NewNop())
}

func TestRunSessionCompletesOnFinalResponse(t *testing.T) {
	driver := &scriptedDriver{outputs: []llm.Output{
		{Text: "all done", Model: "m1"},
	}}
	registry := tool.NewInMemoryRegistry()

	s := newTestScheduler(t, driver, registry)
	outcome := s.RunSession(context.Background(), "you are a helper")

	require.Equal(t, StatusComplete, outcome.Status)
	require.Equal(t, "all done", outcome.FinalText)
	require.Equal(t, 1, driver.calls)
}

func TestRunSessionDispatchesToolThenFinalizes(t *testing.T) {
	driver := &scriptedDriver{outputs: []llm.Output{
		{Text: "calling tool", ToolCalls: []entity.ToolCall{{ID: "tc1", Name: "echo", Args: `{"x":1}`}}},
		{Text: "final answer"},
	}}
	registry := tool.NewInMemoryRegistry()
	require.NoError(t, registry.Register(&echoTool{output: "echoed"}))

	s := newTestScheduler(t, driver, registry)
	outcome := s.RunSession(context.Background(), "sys")

	require.Equal(t, StatusComplete, outcome.Status)
	require.Equal(t, "final answer", outcome.FinalText)
	require.Equal(t, 2, driver.calls)

	buf := s.mem.Snapshot()
	var sawToolResult bool
	for _, m := range buf {
		if m.Role == entity.RoleTool && m.Content == "echoed" {
			sawToolResult = true
		}
	}
	require.True(t, sawToolResult)
}

func TestRunSessionStripsDirectivesFromStoredText(t *testing.T) {
	driver := &scriptedDriver{outputs: []llm.Output{
		{Text: "noted @@learn('likes dark mode')@@ done"},
	}}
	registry := tool.NewInMemoryRegistry()

	s := newTestScheduler(t, driver, registry)
	outcome := s.RunSession(context.Background(), "sys")

	require.NotContains(t, outcome.FinalText, "@@")
	require.Contains(t, s.rt.Facts(), "likes dark mode")
}

func TestRunSessionHaltsOnBudgetExhaustion(t *testing.T) {
	driver := &scriptedDriver{outputs: []llm.Output{
		{Text: "step one", ToolCalls: []entity.ToolCall{{ID: "tc1", Name: "echo", Args: `{}`}}, Usage: llm.Usage{Input: 100, Output: 100}},
		{Text: "step two", ToolCalls: []entity.ToolCall{{ID: "tc2", Name: "echo", Args: `{}`}}, Usage: llm.Usage{Input: 100, Output: 100}},
	}}
	registry := tool.NewInMemoryRegistry()
	require.NoError(t, registry.Register(&echoTool{output: "ok"}))

	s := newTestScheduler(t, driver, registry)
	s.cfg.MaxBudgetUsd = 0 // recomputed below via a tight meter
	s.cost = NewCostMeter(Rates{InputPerToken: 1, OutputPerToken: 1}, 0.0000001)

	outcome := s.RunSession(context.Background(), "sys")
	require.Equal(t, StatusBudgetExhausted, outcome.Status)
}

func TestRunSessionPersistentIdleTimeout(t *testing.T) {
	driver := &scriptedDriver{outputs: []llm.Output{
		{Text: "nothing to do"},
	}}
	registry := tool.NewInMemoryRegistry()

	s := newTestScheduler(t, driver, registry)
	s.cfg.Persistent = true
	s.cfg.MaxIdleNudges = 2

	outcome := s.RunSession(context.Background(), "sys")
	require.Equal(t, StatusIdleTimeout, outcome.Status)
	require.Equal(t, 2, outcome.Turns)
}

func TestFairnessNudgeInjectedAfterThreeConsecutiveSameTool(t *testing.T) {
	call := entity.ToolCall{ID: "tc", Name: "listen_tool", Args: `{}`}
	driver := &scriptedDriver{outputs: []llm.Output{
		{Text: "", ToolCalls: []entity.ToolCall{call}},
		{Text: "", ToolCalls: []entity.ToolCall{call}},
		{Text: "", ToolCalls: []entity.ToolCall{call}},
		{Text: "wrapping up"},
	}}
	registry := tool.NewInMemoryRegistry()
	require.NoError(t, registry.Register(&echoTool{output: "listening"}))

	s := newTestScheduler(t, driver, registry)
	s.cfg.Persistent = true

	// Persistent sessions never end Complete; once the script runs out the
	// repeated final reply idles the session out.
	outcome := s.RunSession(context.Background(), "sys")
	require.Equal(t, StatusIdleTimeout, outcome.Status)

	buf := s.mem.Snapshot()
	var sawFairnessNudge bool
	for _, m := range buf {
		if m.From == "Scheduler" && m.Role == entity.RoleSystem && strings.Contains(m.Content, "do a work slice now") {
			sawFairnessNudge = true
		}
	}
	require.True(t, sawFairnessNudge)
}
