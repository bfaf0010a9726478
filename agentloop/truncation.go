package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultResultCharLimit applies to capabilities without their own limit.
const DefaultResultCharLimit = 30000

// DefaultResultCharLimits are per-capability character limits.
var DefaultResultCharLimits = map[string]int{
	"read_file":           50000,
	"execute_script":      30000,
	"fetch_urls":          30000,
	"scrape_url":          20000,
	"crawl_site":          20000,
	"directory_structure": 20000,
	"search_web":          10000,
	"recall_memory":       10000,
	"save_to_file":        2000,
	"save_image_from_url": 2000,
	"update_focus":        2000,
}

// DefaultTruncationModes keep the end of outputs whose latest lines matter
// most; everything else keeps head and tail.
var DefaultTruncationModes = map[string]TruncationMode{
	"save_to_file": TruncateTail,
}

// DefaultResultLineLimits are applied after character truncation.
var DefaultResultLineLimits = map[string]int{
	"execute_script":      256,
	"directory_structure": 500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Output was truncated. First %d characters were removed.]\n\n", removed) +
			output[runeStart(output, len(output)-maxChars):]
	}

	half := maxChars / 2
	return output[:runeStart(output, half)] +
		fmt.Sprintf("\n\n[WARNING: Output was truncated. %d characters were removed from the middle. "+
			"If you need specific parts, call the capability again with more targeted arguments.]\n\n",
			removed) +
		output[runeStart(output, len(output)-half):]
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateResult applies the full truncation pipeline for one capability
// result: characters first, then lines. charLimits overrides the defaults;
// fallback applies when neither names the capability.
func TruncateResult(output, name string, charLimits map[string]int, fallback int) string {
	maxChars, ok := charLimits[name]
	if !ok {
		maxChars, ok = DefaultResultCharLimits[name]
		if !ok {
			maxChars = fallback
		}
	}
	if maxChars <= 0 {
		maxChars = DefaultResultCharLimit
	}

	mode, ok := DefaultTruncationModes[name]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	if maxLines, ok := DefaultResultLineLimits[name]; ok {
		result = TruncateLines(result, maxLines)
	}
	return result
}
