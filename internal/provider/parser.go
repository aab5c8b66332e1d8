package provider

import "strings"

// StripCodeFences removes a surrounding ```json ... ``` fence.
func StripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 2 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	// Unterminated fence: drop the opening line only.
	return strings.TrimSpace(strings.Join(lines[1:], "\n"))
}

// ExtractJSONObject returns the first top-level JSON object in content,
// tolerating code fences and prose around it. It returns "" when none is found.
func ExtractJSONObject(content string) string {
	content = StripCodeFences(content)
	start, end := findJSONBounds(content)
	if start < 0 {
		return ""
	}
	return content[start:end]
}

// findJSONBounds locates the first balanced {...} in s, skipping braces
// inside strings. Returns (-1, -1) if none.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
