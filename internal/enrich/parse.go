package enrich

import (
	"encoding/json"
	"strings"
)

// ExtractContext recovers the context text from a raw model response.
//
// Models are instructed to answer with a single JSON object carrying one
// "context" field, but in practice responses arrive wrapped in code fences,
// embedded in prose, or occasionally as plain text. Extraction runs a fixed
// fallback chain:
//
//  1. strip code fences, strict-parse the whole response;
//  2. bracket-scan for the first balanced {...} object and strict-parse that;
//  3. take the longest line that does not look like JSON syntax;
//  4. give up.
//
// ok is false only in case 4. The returned text is trimmed and may be empty
// when the model deliberately sent an empty context.
func ExtractContext(raw string) (text string, ok bool) {
	cleaned := stripFences(raw)

	if v, ok := contextField(cleaned); ok {
		return v, true
	}
	if obj := scanObject(cleaned); obj != "" {
		if v, ok := contextField(obj); ok {
			return v, true
		}
	}
	if line := bestLine(cleaned); line != "" {
		return line, true
	}
	return "", false
}

// contextField strict-parses s as a JSON object and returns its "context"
// value. ok is false when s is not valid JSON or the field is absent, null,
// or not a string.
func contextField(s string) (string, bool) {
	var obj struct {
		Context *string `json:"context"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj.Context == nil {
		return "", false
	}
	return strings.TrimSpace(*obj.Context), true
}

// scanObject returns the first balanced top-level {...} object embedded in s,
// or the empty string when none closes. String literals and escapes are
// respected so braces inside values do not confuse the depth count.
func scanObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return s[start : i+1]
			}
		}
	}
	return ""
}

// bestLine returns the longest trimmed line of s that does not open with
// JSON syntax or a code fence. Empty when every line looks structural.
func bestLine(s string) string {
	best := ""
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		switch line[0] {
		case '{', '}', '[', ']', '"':
			continue
		}
		if len(line) > len(best) {
			best = line
		}
	}
	return best
}

// stripFences removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, found := strings.CutPrefix(s, prefix); found {
			s = after
			break
		}
	}
	if before, found := strings.CutSuffix(s, "```"); found {
		s = before
	}
	return strings.TrimSpace(s)
}
