// Package directive parses the inline `@@name(args)@@` marker protocol out
// of assistant output text, leaving fenced code blocks and inline code
// spans untouched.
package directive

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind names a recognized directive form.
type Kind string

const (
	KindLearn          Kind = "learn"
	KindMemorySwap     Kind = "ctrl:memory"
	KindModelChange    Kind = "model-change"
	KindThinkingSet    Kind = "thinking"
	KindThinkingUp     Kind = "thinking-up"
	KindThinkingDown   Kind = "thinking-down"
	KindTemperature    Kind = "temperature"
	KindTopP           Kind = "top_p"
	KindTopK           Kind = "top_k"
	KindRef            Kind = "ref"
	KindUnref          Kind = "unref"
	KindImportance     Kind = "importance"
	KindMaxContext     Kind = "max-context"
	KindCompactContext Kind = "compact_context"
	KindSleep          Kind = "sleep"
	KindListening      Kind = "listening"
	KindWake           Kind = "wake"
	KindSense          Kind = "sense"
	KindView           Kind = "view"
	KindEmotion        Kind = "emotion"
)

// Directive is one recognized, parsed marker.
type Directive struct {
	Kind  Kind
	Args  []string
	Raw   string // the exact @@...@@ substring, for glyph substitution
	Start int
	End   int
}

// bareForms maps a directive's literal token (no parens) to its Kind, for
// forms like `@@think@@` or `@@zzz@@` that take no arguments.
var bareForms = map[string]Kind{
	"think":         KindThinkingUp,
	"thinking-up":   KindThinkingUp,
	"relax":         KindThinkingDown,
	"thinking-down": KindThinkingDown,
	"zzz":           KindThinkingDown,
	"sleep":         KindSleep,
	"listening":     KindListening,
	"wake":          KindWake,
	"compact_context": KindCompactContext,
}

// callForms maps a directive's call-form name (parens required) to its Kind.
var callForms = map[string]Kind{
	"learn":        KindLearn,
	"model-change": KindModelChange,
	"model":        KindModelChange,
	"thinking":     KindThinkingSet,
	"temperature":  KindTemperature,
	"top_p":        KindTopP,
	"top_k":        KindTopK,
	"ref":          KindRef,
	"unref":        KindUnref,
	"importance":   KindImportance,
	"max-context":  KindMaxContext,
	"sense":        KindSense,
	"view":         KindView,
}

// markerRe matches a call/bare-word marker: `@@name@@` or `@@name(args)@@`,
// including the `ctrl:memory=x` spelling (colon is a legal name rune).
var markerRe = regexp.MustCompile(`@@([a-zA-Z0-9_:\-]+(?:=[a-zA-Z0-9_]+)?)(?:\(([^)]*)\))?@@`)

// emotionRe matches the `<emotion>:val[,val...]` observability form, whose
// tag syntax doesn't fit the name(args)/name=value shape above.
var emotionRe = regexp.MustCompile(`@@<([a-zA-Z_]+)>:([^@]+)@@`)

// Parse splits text into prose and protected (fenced/backtick) segments,
// recognizes directive markers within prose, and returns the directives in
// left-to-right order plus the display text with recognized markers
// replaced by glyph placeholders.
func Parse(text string) (directives []Directive, cleaned string) {
	protected := findProtectedRegions(text)

	var found []Directive
	for _, m := range markerRe.FindAllStringSubmatchIndex(text, -1) {
		if isInsideRegion(m[0], protected) {
			continue
		}
		name := text[m[2]:m[3]]
		var args string
		hasArgs := m[4] != -1
		if hasArgs {
			args = text[m[4]:m[5]]
		}
		d, ok := classify(name, args, hasArgs)
		if !ok {
			continue
		}
		d.Raw = text[m[0]:m[1]]
		d.Start = m[0]
		d.End = m[1]
		found = append(found, d)
	}
	for _, m := range emotionRe.FindAllStringSubmatchIndex(text, -1) {
		if isInsideRegion(m[0], protected) {
			continue
		}
		name := text[m[2]:m[3]]
		val := text[m[4]:m[5]]
		found = append(found, Directive{
			Kind:  KindEmotion,
			Args:  append([]string{name}, splitArgs(val)...),
			Raw:   text[m[0]:m[1]],
			Start: m[0],
			End:   m[1],
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })

	var out strings.Builder
	out.Grow(len(text))
	lastIndex := 0
	for _, d := range found {
		if d.Start < lastIndex {
			continue // overlapping match (shouldn't happen with distinct marker shapes)
		}
		out.WriteString(text[lastIndex:d.Start])
		out.WriteString(glyphFor(d.Kind))
		lastIndex = d.End
	}
	out.WriteString(text[lastIndex:])

	return found, out.String()
}

func classify(name, args string, hasArgs bool) (Directive, bool) {
	if idx := strings.Index(name, "="); idx >= 0 {
		key, val := name[:idx], name[idx+1:]
		if key == "ctrl:memory" {
			return Directive{Kind: KindMemorySwap, Args: []string{val}}, true
		}
		return Directive{}, false
	}

	if hasArgs {
		if kind, ok := callForms[name]; ok {
			return Directive{Kind: kind, Args: splitArgs(args)}, true
		}
		return Directive{}, false
	}

	if kind, ok := bareForms[name]; ok {
		return Directive{Kind: kind}, true
	}
	return Directive{}, false
}

func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	raw = strings.TrimPrefix(raw, "=")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `'"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// glyphFor returns the cosmetic placeholder substituted for a recognized
// directive in the cleaned, user-visible text.
func glyphFor(k Kind) string {
	switch k {
	case KindLearn:
		return "✦" // ✦
	case KindMemorySwap:
		return "↻" // ↻
	case KindModelChange:
		return "⇆" // ⇆
	case KindThinkingSet, KindThinkingUp, KindThinkingDown:
		return "✨" // ✨
	case KindTemperature, KindTopP, KindTopK:
		return "⚙" // ⚙
	case KindRef, KindUnref:
		return "✎" // ✎
	case KindImportance:
		return "★" // ★
	case KindMaxContext, KindCompactContext:
		return "▣" // ▣
	case KindSleep, KindListening, KindWake:
		return "⏻" // ⏻
	case KindSense, KindView:
		return "◉" // ◉
	case KindEmotion:
		return "♡" // ♡
	default:
		return ""
	}
}

// ParseFloat is a small convenience used by directive execution (runtime
// state setters take float64 args parsed from marker text).
func ParseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
