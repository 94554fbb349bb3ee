package runtimestate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClampedSetters(t *testing.T) {
	s := New(Defaults{BaseModel: "claude-sonnet"}, zap.NewNop())

	s.SetThinkingBudget(5)
	require.Equal(t, 1.0, s.ThinkingBudget())

	s.SetThinkingBudget(-1)
	require.Equal(t, 0.0, s.ThinkingBudget())

	s.SetTemperature(99)
	temp, _, _ := s.Sampling()
	require.Equal(t, 2.0, temp)

	s.SetTopK(-5)
	_, _, topK := s.Sampling()
	require.Equal(t, 0, topK)
}

func TestAdjustThinkingClampsAtBounds(t *testing.T) {
	s := New(Defaults{ThinkingBudget: 0.9}, zap.NewNop())
	s.AdjustThinking(0.3)
	require.Equal(t, 1.0, s.ThinkingBudget())

	s.SetThinkingBudget(0.1)
	s.AdjustThinking(-0.3)
	require.Equal(t, 0.0, s.ThinkingBudget())
}

func TestModelChangeTakesEffectNextTurn(t *testing.T) {
	s := New(Defaults{BaseModel: "claude-sonnet"}, zap.NewNop())
	require.Equal(t, "claude-sonnet", s.ActiveModel())

	s.RequestModelChange("gpt-5")
	require.Equal(t, "claude-sonnet", s.ActiveModel(), "switch must not apply mid-turn")

	s.AdvanceTurn()
	require.Equal(t, "gpt-5", s.ActiveModel())
}

func TestLearnedFactsPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learned.json")

	s1 := New(Defaults{LearnedFactsPath: path}, zap.NewNop())
	require.NoError(t, s1.Learn("the user prefers terse answers"))
	require.NoError(t, s1.Learn("the user's timezone is UTC+2"))

	s2 := New(Defaults{LearnedFactsPath: path}, zap.NewNop())
	require.Equal(t, []string{"the user prefers terse answers", "the user's timezone is UTC+2"}, s2.Facts())
}

func TestWorkingBudgetFloor(t *testing.T) {
	s := New(Defaults{WorkingBudget: 60000}, zap.NewNop())
	s.SetWorkingBudget(100)
	require.Equal(t, 4000, s.WorkingBudget())
}
