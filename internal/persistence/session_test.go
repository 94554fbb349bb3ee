package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/gro/internal/entity"
)

func TestSaveLoadRoundTrips(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess := &Session{
		ID: "sess1",
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: "hi"},
			{Role: entity.RoleAssistant, Content: "hello back"},
		},
		Meta: SessionMeta{ID: "sess1", Provider: "anthropic", Model: "claude", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()},
	}
	require.NoError(t, s.Save(sess))

	loaded, err := s.Load("sess1")
	require.NoError(t, err)
	require.Equal(t, "anthropic", loaded.Meta.Provider)
	require.Len(t, loaded.Messages, 2)
	require.Equal(t, "hi", loaded.Messages[0].Content)
}

func TestLoadDropsOrphanToolResultAndPatchesDanglingToolUse(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess := &Session{
		ID: "sess2",
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: "do a thing"},
			{Role: entity.RoleAssistant, Content: "", ToolCalls: []entity.ToolCall{{ID: "tc1", Name: "search"}}},
			// tc2's tool-use is missing entirely; this tool-role message is an orphan.
			{Role: entity.RoleTool, Content: "stray result", ToolCallID: "tc2", ToolName: "search"},
		},
		Meta: SessionMeta{ID: "sess2"},
	}
	require.NoError(t, s.Save(sess))

	loaded, err := s.Load("sess2")
	require.NoError(t, err)

	var sawOrphan, sawSynthetic bool
	for _, m := range loaded.Messages {
		if m.ToolCallID == "tc2" {
			sawOrphan = true
		}
		if m.ToolCallID == "tc1" && m.Role == entity.RoleTool {
			sawSynthetic = true
			require.Contains(t, m.Content, "interrupted")
		}
	}
	require.False(t, sawOrphan, "orphan tool-result with no matching tool-use must be dropped")
	require.True(t, sawSynthetic, "dangling tool-use must get a synthetic tool-result")
}

func TestListSessionsSortsByMetaModTime(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(&Session{ID: "first", Meta: SessionMeta{ID: "first"}}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Save(&Session{ID: "second", Meta: SessionMeta{ID: "second"}}))

	ids, err := s.ListSessions()
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, ids)
}
