// Package reply chunks outgoing text to platform limits and routes it back
// to the user, with debounced status updates along the way.
package reply

import "strings"

// Hard per-message character limits by platform. Zero means unlimited.
var platformLimits = map[string]int{
	"slack":    3900,
	"discord":  2000,
	"telegram": 4096,
	"whatsapp": 60000,
	"cli":      0,
}

const defaultLimit = 3900

// LimitFor returns the chunk limit for a platform. Unknown platforms get a
// conservative default.
func LimitFor(platform string) int {
	if limit, ok := platformLimits[strings.ToLower(platform)]; ok {
		return limit
	}
	return defaultLimit
}

// Split greedily packs text into chunks within the platform limit. When a
// chunk must be cut, it prefers the last newline in the back half of the
// window over a mid-line cut.
func Split(text, platform string) []string {
	limit := LimitFor(platform)
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		cut := limit
		skip := 0
		if idx := lastNewline(runes[:limit]); idx >= limit/2 {
			cut = idx
			skip = 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut+skip:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
