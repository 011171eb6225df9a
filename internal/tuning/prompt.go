package tuning

import "strings"

// Placeholder tokens every judge prompt must carry so the backend can splice
// in the trace under evaluation.
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// NormalizePromptText guarantees the submitted prompt references both the
// input and the output of the trace, regardless of what the author typed.
// Missing placeholders get canonical lines appended.
func NormalizePromptText(text string) string {
	var parts []string
	if trimmed := strings.TrimRight(text, "\n"); trimmed != "" {
		parts = append(parts, trimmed)
	}
	if !strings.Contains(text, InputPlaceholder) {
		parts = append(parts, "Input: "+InputPlaceholder)
	}
	if !strings.Contains(text, OutputPlaceholder) {
		parts = append(parts, "Output: "+OutputPlaceholder)
	}
	return strings.Join(parts, "\n")
}
