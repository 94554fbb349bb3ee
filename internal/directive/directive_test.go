package directive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLearnDirective(t *testing.T) {
	ds, cleaned := Parse("Noted. @@learn('user prefers dark mode')@@ anything else?")
	require.Len(t, ds, 1)
	require.Equal(t, KindLearn, ds[0].Kind)
	require.Equal(t, []string{"user prefers dark mode"}, ds[0].Args)
	require.NotContains(t, cleaned, "@@")
}

func TestParseBareThinkingDirectives(t *testing.T) {
	ds, _ := Parse("Let me think harder. @@think@@ ok done @@relax@@")
	require.Len(t, ds, 2)
	require.Equal(t, KindThinkingUp, ds[0].Kind)
	require.Equal(t, KindThinkingDown, ds[1].Kind)
}

func TestParseIgnoresMarkersInsideFencedCode(t *testing.T) {
	text := "before\n```\n@@learn('should not fire')@@\n```\nafter"
	ds, cleaned := Parse(text)
	require.Empty(t, ds)
	require.Contains(t, cleaned, "@@learn('should not fire')@@")
}

func TestParseIgnoresMarkersInsideInlineCode(t *testing.T) {
	text := "use `@@ref('x')@@` literally"
	ds, _ := Parse(text)
	require.Empty(t, ds)
}

func TestParseRefAndUnref(t *testing.T) {
	ds, _ := Parse("@@ref('pg_abc123')@@ and later @@unref('pg_abc123')@@")
	require.Len(t, ds, 2)
	require.Equal(t, KindRef, ds[0].Kind)
	require.Equal(t, []string{"pg_abc123"}, ds[0].Args)
	require.Equal(t, KindUnref, ds[1].Kind)
}

func TestParseMultiRef(t *testing.T) {
	ds, _ := Parse("@@ref('pg_1,pg_2')@@")
	require.Len(t, ds, 1)
	require.Equal(t, []string{"pg_1", "pg_2"}, ds[0].Args)
}

func TestParseSamplingOverrides(t *testing.T) {
	ds, _ := Parse("@@temperature(0.8)@@ @@top_p(0.9)@@ @@top_k(40)@@")
	require.Len(t, ds, 3)
	require.Equal(t, KindTemperature, ds[0].Kind)
	v, ok := ParseFloat(ds[0].Args[0])
	require.True(t, ok)
	require.InDelta(t, 0.8, v, 0.0001)
}

func TestParseMemorySwap(t *testing.T) {
	ds, _ := Parse("@@ctrl:memory=fragmentation@@")
	require.Len(t, ds, 1)
	require.Equal(t, KindMemorySwap, ds[0].Kind)
	require.Equal(t, []string{"fragmentation"}, ds[0].Args)
}

func TestParseModelChangeAliases(t *testing.T) {
	ds, _ := Parse("@@model-change('gpt-5')@@ @@model('claude-opus')@@")
	require.Len(t, ds, 2)
	require.Equal(t, KindModelChange, ds[0].Kind)
	require.Equal(t, KindModelChange, ds[1].Kind)
}

func TestParseEmotionTag(t *testing.T) {
	ds, cleaned := Parse("done @@<curious>:0.6@@")
	require.Len(t, ds, 1)
	require.Equal(t, KindEmotion, ds[0].Kind)
	require.Equal(t, []string{"curious", "0.6"}, ds[0].Args)
	require.NotContains(t, cleaned, "@@")
}

func TestParseSleepWakeListening(t *testing.T) {
	ds, _ := Parse("@@sleep@@ @@listening@@ @@wake@@")
	require.Len(t, ds, 3)
	require.Equal(t, KindSleep, ds[0].Kind)
	require.Equal(t, KindListening, ds[1].Kind)
	require.Equal(t, KindWake, ds[2].Kind)
}

func TestParseUnrecognizedMarkerIsLeftAlone(t *testing.T) {
	ds, cleaned := Parse("@@not_a_real_directive@@")
	require.Empty(t, ds)
	require.Contains(t, cleaned, "@@not_a_real_directive@@")
}
