package extract

import "encoding/json"

// scanObjects returns every top-level balanced {...} span of text that is
// valid JSON. Braces inside string literals are ignored and unbalanced tails
// are dropped.
func scanObjects(text string) []json.RawMessage {
	var out []json.RawMessage
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				fragment := text[start : i+1]
				if json.Valid([]byte(fragment)) {
					out = append(out, json.RawMessage(fragment))
				}
				start = -1
			}
		}
	}
	return out
}
