package sensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDejaVuWarnsAtThreshold(t *testing.T) {
	d := NewDejaVuTracker(100, 2)

	warn, entry := d.Record("bash", `{"cmd":"ls"}`, 1, "ok")
	require.False(t, warn)
	require.Equal(t, 1, entry.Count)

	warn, entry = d.Record("bash", `{"cmd":"ls"}`, 2, "ok")
	require.True(t, warn)
	require.Equal(t, 2, entry.Count)
}

func TestDejaVuFIFOEviction(t *testing.T) {
	d := NewDejaVuTracker(3, 2)

	for i := 0; i < 5; i++ {
		d.Record("tool", string(rune('a'+i)), i, "")
	}

	require.LessOrEqual(t, len(d.order), 3)
}

func TestFamiliarityAccessAndDecay(t *testing.T) {
	f := NewFamiliarityTracker()
	f.Access("file.go")
	first := f.scores["file.go"]
	require.Greater(t, first, 0.0)

	f.Access("file.go")
	second := f.scores["file.go"]
	require.Greater(t, second, first)

	f.Tick()
	require.Less(t, f.scores["file.go"], second)
}

func TestFamiliarityPrunesBelowFloor(t *testing.T) {
	f := NewFamiliarityTracker()
	f.Access("transient")

	for i := 0; i < 100; i++ {
		f.Tick()
	}

	_, exists := f.scores["transient"]
	require.False(t, exists, "score decayed below floor must be pruned")
}

func TestFamiliarityTopOrdersByScore(t *testing.T) {
	f := NewFamiliarityTracker()
	f.Access("a")
	f.Access("b")
	f.Access("b")

	top := f.Top(2)
	require.Equal(t, []string{"b", "a"}, top)
}
