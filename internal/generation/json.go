package generation

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON indicates generated text contained no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON returns the first balanced, valid JSON object in text.
// Markdown code fences and surrounding prose are ignored.
func ExtractJSON(text string) (string, error) {
	text = stripFences(text)
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > 0 {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

var fenceMarker = regexp.MustCompile("```[A-Za-z0-9_+-]*")

// stripFences removes ``` markers and their language tags, keeping the
// fenced contents even when they share a line with a marker.
func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	return fenceMarker.ReplaceAllString(text, "")
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
