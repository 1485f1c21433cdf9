package llm

import "strings"

// StripCodeFence removes a single markdown code fence wrapping the whole
// response, as models sometimes return ```markdown ... ``` blocks.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}
