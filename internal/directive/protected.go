package directive

import (
	"regexp"
	"strings"
)

// region is a byte-offset span of text directive markers must not be
// recognized inside.
type region struct {
	start, end int
}

var inlineCodeRe = regexp.MustCompile("`+[^`]+`+")

// findProtectedRegions locates fenced code blocks (``` or ~~~) and inline
// backtick spans so markers inside them are left verbatim.
func findProtectedRegions(text string) []region {
	var regions []region
	regions = append(regions, findFencedBlocks(text, "```")...)
	regions = append(regions, findFencedBlocks(text, "~~~")...)

	for _, m := range inlineCodeRe.FindAllStringIndex(text, -1) {
		inFence := false
		for _, r := range regions {
			if m[0] >= r.start && m[1] <= r.end {
				inFence = true
				break
			}
		}
		if !inFence {
			regions = append(regions, region{m[0], m[1]})
		}
	}
	return regions
}

// findFencedBlocks scans text for blocks delimited by fence (``` or ~~~),
// fences required at the start of a line.
func findFencedBlocks(text, fence string) []region {
	var regions []region
	offset := 0
	for offset < len(text) {
		idx := strings.Index(text[offset:], fence)
		if idx < 0 {
			break
		}
		start := offset + idx
		if start > 0 && text[start-1] != '\n' {
			offset = start + len(fence)
			continue
		}

		lineEnd := strings.Index(text[start:], "\n")
		if lineEnd < 0 {
			break
		}
		searchFrom := start + lineEnd + 1

		closeIdx := -1
		pos := searchFrom
		for pos < len(text) {
			ci := strings.Index(text[pos:], fence)
			if ci < 0 {
				break
			}
			cand := pos + ci
			if cand == 0 || text[cand-1] == '\n' {
				closeIdx = cand
				break
			}
			pos = cand + len(fence)
		}

		if closeIdx >= 0 {
			end := closeIdx + len(fence)
			if nl := strings.Index(text[end:], "\n"); nl >= 0 {
				end += nl + 1
			} else {
				end = len(text)
			}
			regions = append(regions, region{start, end})
			offset = end
		} else {
			regions = append(regions, region{start, len(text)})
			break
		}
	}
	return regions
}

func isInsideRegion(pos int, regions []region) bool {
	for _, r := range regions {
		if pos >= r.start && pos < r.end {
			return true
		}
	}
	return false
}
