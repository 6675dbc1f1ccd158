package utils

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/gopkg/lang/fastrand"
)

// Truncate shortens content to at most maxLen runes, appending "...".
func Truncate(content string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxLen]) + "..."
}

func Truncate80(content string) string {
	return Truncate(content, 80)
}

// SplitChunks cuts content into pieces of at most limit runes, preferring
// newline boundaries in the back half of each piece.
func SplitChunks(content string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	var out []string
	runes := []rune(content)
	for len(runes) > limit {
		cut := limit
		if idx := lastNewline(runes[:limit]); idx >= limit/2 {
			cut = idx + 1
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// Jitter returns a random duration in [0, max).
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(fastrand.Int63n(int64(max)))
}
