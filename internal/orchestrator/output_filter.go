package orchestrator

import "strings"

// defaultMarkers are the substrings that let a raw worker line through.
// Workers print these on outcome, warning and progress lines; everything
// else (component logs, AI chatter, git noise) is debug output.
var defaultMarkers = []string{
	"✓", "✗", "⚠", "⏳", "↻",
	"Merge conflict",
	"panic:",
	"FATAL",
}

// OutputFilter selects which raw worker output lines are forwarded.
type OutputFilter struct {
	markers []string
}

// NewOutputFilter returns a filter matching the default markers plus extra.
func NewOutputFilter(extra ...string) *OutputFilter {
	markers := make([]string, 0, len(defaultMarkers)+len(extra))
	markers = append(markers, defaultMarkers...)
	for _, m := range extra {
		if m != "" {
			markers = append(markers, m)
		}
	}
	return &OutputFilter{markers: markers}
}

// Keep reports whether line should be shown to the operator.
func (f *OutputFilter) Keep(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	for _, m := range f.markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
