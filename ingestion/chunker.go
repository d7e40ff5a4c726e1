package ingestion

import "strings"

// SplitText cuts content into overlapping windows. Windows advance by
// size-overlap runes; empty segments after trimming are dropped.
func SplitText(content string, size, overlap int) []string {
	if size <= 0 {
		size = 800
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}

	runes := []rune(content)
	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment != "" {
			out = append(out, segment)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
