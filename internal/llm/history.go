package llm

import "github.com/ngoclaw/gro/internal/entity"

// maxContinueInjections bounds how many synthetic "(continue)" turns repair
// will inject before it starts stripping the trailing assistant turn
// instead — this breaks otherwise-infinite continuation loops (§4.E.2).
const maxContinueInjections = 3

// RepairHistory runs the three ordered passes every dialect needs before
// translation, then ensures the list is non-empty and ends on a
// user-equivalent turn. It does not mutate messages; it returns a new
// slice.
//
//  1. An assistant tool-use with no matching tool-result downstream: strip
//     the tool-use (and the carrier message, if it becomes content-free).
//  2. A tool-result referencing a tool-use that no longer exists: drop it.
//  3. A tool-use whose tool-result is not immediately adjacent (no
//     unrelated turn in between): strip the tool-use.
func RepairHistory(messages []entity.Message, priorContinueInjections int) []entity.Message {
	out, _ := RepairHistoryReporting(messages, priorContinueInjections)
	return out
}

// RepairHistoryReporting is RepairHistory plus a report of whether a
// synthetic "(continue)" turn was injected, so a caller maintaining a
// running priorContinueInjections counter across turns knows whether to
// increment it.
func RepairHistoryReporting(messages []entity.Message, priorContinueInjections int) ([]entity.Message, bool) {
	out := append([]entity.Message(nil), messages...)

	out = stripOrphanToolUses(out)
	out = dropDanglingToolResults(out)
	out = stripNonAdjacentToolUses(out)

	return finalizeTrailingTurn(out, priorContinueInjections)
}

// stripOrphanToolUses removes tool calls from assistant messages when no
// downstream tool message answers them, dropping the assistant message
// entirely if it becomes both textless and call-less.
func stripOrphanToolUses(messages []entity.Message) []entity.Message {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role == entity.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == entity.RoleAssistant && len(m.ToolCalls) > 0 {
			kept := make([]entity.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && m.Content == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// dropDanglingToolResults removes tool messages whose referenced tool-use
// no longer exists in the (already orphan-stripped) history.
func dropDanglingToolResults(messages []entity.Message) []entity.Message {
	known := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
	}

	out := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == entity.RoleTool && !known[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// stripNonAdjacentToolUses enforces strict adjacency: an assistant
// tool-use must be followed, before any unrelated turn, by tool-result
// messages for every call it made. If some other message (a differently
// role-tagged turn, or another assistant message) intervenes first, the
// tool-use is stripped since no dialect tolerates the gap.
func stripNonAdjacentToolUses(messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages))
	for i, m := range messages {
		if m.Role == entity.RoleAssistant && len(m.ToolCalls) > 0 {
			need := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				need[tc.ID] = true
			}
			j := i + 1
			for j < len(messages) && len(need) > 0 && messages[j].Role == entity.RoleTool {
				delete(need, messages[j].ToolCallID)
				j++
			}
			if len(need) > 0 {
				kept := make([]entity.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if !need[tc.ID] {
						kept = append(kept, tc)
					}
				}
				m.ToolCalls = kept
				if len(kept) == 0 && m.Content == "" {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

// finalizeTrailingTurn ensures the history is non-empty and ends on a
// user-equivalent turn (user or tool). If empty, injects a minimal
// "(continue)" user message. If the trailing turn is an assistant message
// and priorContinueInjections already reached maxContinueInjections, the
// trailing assistant is stripped instead of adding yet another
// continuation — this is what breaks an infinite continuation loop.
func finalizeTrailingTurn(messages []entity.Message, priorContinueInjections int) ([]entity.Message, bool) {
	if len(messages) == 0 {
		return []entity.Message{{Role: entity.RoleUser, Content: "(continue)"}}, true
	}

	last := messages[len(messages)-1]
	if last.Role == entity.RoleUser || last.Role == entity.RoleTool {
		return messages, false
	}

	// last.Role == assistant (system never trails a repaired history).
	if priorContinueInjections >= maxContinueInjections {
		return messages[:len(messages)-1], false
	}
	return append(messages, entity.Message{Role: entity.RoleUser, Content: "(continue)"}), true
}
