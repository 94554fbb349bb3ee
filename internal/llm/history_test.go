package llm

import (
	"testing"

	"github.com/ngoclaw/gro/internal/entity"
)

func TestRepairHistoryDropsOrphanToolUseAndResult(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: "go"},
		{Role: entity.RoleAssistant, Content: "", ToolCalls: []entity.ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}},
		{Role: entity.RoleTool, Content: "result a", ToolCallID: "a"},
		// "b" never answered, and this result references a call that doesn't exist.
		{Role: entity.RoleTool, Content: "stray", ToolCallID: "z"},
	}

	out := RepairHistory(messages, 0)

	var sawB, sawStray bool
	for _, m := range out {
		if m.ToolCallID == "z" {
			sawStray = true
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "b" {
				sawB = true
			}
		}
	}
	if sawB {
		t.Fatal("unanswered tool_use must be stripped")
	}
	if sawStray {
		t.Fatal("tool-result referencing a missing tool_use must be dropped")
	}
}

func TestFinalizeTrailingTurnInjectsContinueAndReportsIt(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: "hi"},
		{Role: entity.RoleAssistant, Content: "partial"},
	}

	out, injected := finalizeTrailingTurn(messages, 0)
	if !injected {
		t.Fatal("expected injection to be reported")
	}
	last := out[len(out)-1]
	if last.Role != entity.RoleUser || last.Content != "(continue)" {
		t.Fatalf("expected a synthetic continue turn, got %+v", last)
	}
}

func TestFinalizeTrailingTurnStripsAtCeilingInsteadOfInjecting(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: "hi"},
		{Role: entity.RoleAssistant, Content: "partial"},
	}

	out, injected := finalizeTrailingTurn(messages, maxContinueInjections)
	if injected {
		t.Fatal("expected no further injection once the ceiling is reached")
	}
	if len(out) != 1 {
		t.Fatalf("expected trailing assistant turn to be stripped, got %+v", out)
	}
}

func TestRepairHistoryReportingThreadsPriorCount(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: "hi"},
		{Role: entity.RoleAssistant, Content: "still going"},
	}

	_, injected := RepairHistoryReporting(messages, maxContinueInjections-1)
	if !injected {
		t.Fatal("expected one more injection to be allowed just under the ceiling")
	}

	_, injected = RepairHistoryReporting(messages, maxContinueInjections)
	if injected {
		t.Fatal("expected no injection once the ceiling is already reached")
	}
}
