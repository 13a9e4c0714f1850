package util

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// RuneLen returns the number of characters in s, which is what platform limits count.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// TruncateRunes shortens s to at most limit characters, marking the cut with an ellipsis.
func TruncateRunes(s string, limit int) string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return s
	}
	if limit == 1 {
		return string(rs[:1])
	}
	return strings.TrimRightFunc(string(rs[:limit-1]), unicode.IsSpace) + "…"
}

// SplitText splits s into chunks of at most limit characters.
// Chunks end on a sentence boundary when one exists in the window, otherwise on a
// word boundary, and only as a last resort in the middle of a word.
func SplitText(s string, limit int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, len(rs)/limit+1)
	for len(rs) > 0 {
		if len(rs) <= limit {
			out = appendChunk(out, rs)
			break
		}

		cut := sentenceCut(rs, limit)
		if cut <= 0 {
			cut = wordCut(rs, limit)
		}
		if cut <= 0 {
			cut = limit
		}

		out = appendChunk(out, rs[:cut])
		rs = rs[cut:]
		for len(rs) > 0 && unicode.IsSpace(rs[0]) {
			rs = rs[1:]
		}
	}
	return out
}

func appendChunk(out []string, rs []rune) []string {
	chunk := strings.TrimSpace(string(rs))
	if chunk == "" {
		return out
	}
	return append(out, chunk)
}

// sentenceCut returns the length of the longest prefix of rs (<= limit) that ends a sentence.
// Prefixes shorter than a third of the limit are ignored to avoid tiny chunks.
func sentenceCut(rs []rune, limit int) int {
	floor := limit / 3
	for i := limit - 1; i >= floor; i-- {
		switch rs[i] {
		case '\n', '。', '！', '？':
			return i + 1
		case '.', '!', '?', '…':
			if i+1 >= len(rs) || unicode.IsSpace(rs[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}

func wordCut(rs []rune, limit int) int {
	floor := limit / 3
	for i := limit; i >= floor; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return 0
}

// ParseJSONObject decodes an opaque JSON object into flat string values.
// An empty input yields an empty map.
func ParseJSONObject(raw string) (map[string]string, error) {
	out := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return out, nil
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	for k, v := range values {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}
