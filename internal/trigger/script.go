package trigger

import "strings"

// SplitScriptLines splits a trigger script into lines of command segments.
// Lines are separated by newlines; within a line, segments are separated by
// && and run together. Blank segments are dropped.
func SplitScriptLines(script string) [][]string {
	var lines [][]string
	for _, line := range strings.Split(script, "\n") {
		var segments []string
		for _, chunk := range strings.Split(line, "&&") {
			if seg := strings.TrimSpace(chunk); seg != "" {
				segments = append(segments, seg)
			}
		}
		if len(segments) > 0 {
			lines = append(lines, segments)
		}
	}
	return lines
}

// SplitScriptSegments flattens a script into its ordered segments.
func SplitScriptSegments(script string) []string {
	var segments []string
	for _, line := range SplitScriptLines(script) {
		segments = append(segments, line...)
	}
	return segments
}
