// Package tui renders one scheduler turn to the terminal, the minimal
// interactive TUI the `-i` flag needs: streamed markdown tokens and tool
// activity. Adapted from interfaces/cli/renderer.go's glamour/lipgloss
// styling (kept, reworded to English) and interfaces/tui/tui.go's
// event-to-ANSI render loop (restructured around llm.StreamChunk /
// scheduler.Outcome instead of the teacher's AgentEvent channel).
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/scheduler"
)

var (
	colorCyan   = lipgloss.Color("#00D7FF")
	colorGray   = lipgloss.Color("#767676")
	colorGreen  = lipgloss.Color("#5FD787")
	colorYellow = lipgloss.Color("#FFD75F")
)

// TUI renders scheduler turns for one interactive session.
type TUI struct {
	glamour      *glamour.TermRenderer
	systemPrompt string
	sched        *scheduler.Scheduler
	mem          *memory.Memory
}

// New builds a TUI bound to sched/mem, wrapping scheduler deltas through
// glamour once the turn completes (markdown needs the whole block to
// render well, so raw deltas are streamed plain and the final text is
// re-rendered styled).
func New(width int, systemPrompt string, sched *scheduler.Scheduler, mem *memory.Memory) *TUI {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width-4))
	return &TUI{glamour: r, systemPrompt: systemPrompt, sched: sched, mem: mem}
}

// PrintBanner prints the session header.
func (t *TUI) PrintBanner(model string) {
	title := lipgloss.NewStyle().Bold(true).Foreground(colorCyan).Render("gro")
	fmt.Printf("\n%s  model: %s\n\n", title, model)
}

// OnDelta streams assistant text inline as it arrives.
func (t *TUI) OnDelta(turn int, chunk llm.StreamChunk) {
	if chunk.DeltaText != "" {
		fmt.Print(chunk.DeltaText)
	}
	if chunk.DeltaToolCall != nil {
		name := lipgloss.NewStyle().Foreground(colorYellow).Bold(true).Render(chunk.DeltaToolCall.Name)
		fmt.Printf("\n  %s %s\n", "*", name)
	}
}

// RunMessage feeds userMessage into memory and runs one scheduler turn,
// rendering the assistant's reply through glamour and printing a summary.
func (t *TUI) RunMessage(ctx context.Context, userMessage string) scheduler.Outcome {
	userStyle := lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	fmt.Printf("%s\n  %s\n\n", userStyle.Render("you"), userMessage)

	if err := t.mem.Add(ctx, entity.Message{Role: entity.RoleUser, Content: userMessage}); err != nil {
		fmt.Printf("error: %s\n", err)
		return scheduler.Outcome{Status: scheduler.StatusError}
	}

	outcome := t.sched.RunSession(ctx, t.systemPrompt)

	fmt.Println()
	assistantStyle := lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	fmt.Printf("%s\n", assistantStyle.Render("assistant"))
	fmt.Println(t.render(outcome.FinalText))

	t.renderSummary(outcome)
	return outcome
}

func (t *TUI) render(md string) string {
	if t.glamour == nil {
		return md
	}
	out, err := t.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

func (t *TUI) renderSummary(outcome scheduler.Outcome) {
	style := lipgloss.NewStyle().Foreground(colorGray)
	fmt.Println(style.Render(fmt.Sprintf("  turns: %d | status: %s | spent: $%.4f", outcome.Turns, outcome.Status, outcome.SpentUsd)))
}
