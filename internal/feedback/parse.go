package feedback

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nordiq/reportflow/pkg/schema"
)

// Review models emit structured feedback as JSON, but real model output is
// messy: markdown fences, leading prose, truncated tails, literal newlines
// inside strings. Parse applies three strategies in order:
//
//  1. direct unmarshal of the raw text,
//  2. unmarshal of the first fenced ```json block,
//  3. unmarshal of the first balanced {...} or [...] span, after sanitizing.
//
// If all three fail the caller gets a PARSE_ERROR; the stage output itself
// stays recorded as raw text, so parsing failure never loses the model's work.
var fencedBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// Parse extracts a FeedbackPayload from raw model output.
func Parse(raw string) (*schema.FeedbackPayload, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, schema.NewError(schema.ErrCodeParse, "empty feedback output")
	}

	// Strategy 1: the whole output is valid JSON.
	if p, ok := unmarshalPayload(trimmed); ok {
		return p, nil
	}

	// Strategy 2: a fenced code block wraps the JSON.
	if m := fencedBlockRe.FindStringSubmatch(trimmed); len(m) > 1 {
		if p, ok := unmarshalPayload(strings.TrimSpace(m[1])); ok {
			return p, nil
		}
	}

	// Strategy 3: first balanced bracket span, sanitized.
	if span := extractSpan(trimmed); span != "" {
		if p, ok := unmarshalPayload(span); ok {
			return p, nil
		}
		if p, ok := unmarshalPayload(sanitize(span)); ok {
			return p, nil
		}
	}

	return nil, schema.NewError(schema.ErrCodeParse, "feedback output is not valid JSON")
}

// unmarshalPayload accepts either the payload object or a bare change array.
func unmarshalPayload(s string) (*schema.FeedbackPayload, bool) {
	var payload schema.FeedbackPayload
	if err := json.Unmarshal([]byte(s), &payload); err == nil && payload.Changes != nil {
		return &payload, true
	}
	var changes []schema.FeedbackChange
	if err := json.Unmarshal([]byte(s), &changes); err == nil {
		return &schema.FeedbackPayload{Changes: changes}, true
	}
	return nil, false
}

// extractSpan returns the first balanced {...} or [...] region, preferring
// whichever opens first. A truncated object with string content gets its
// trailing garbage trimmed and the bracket closed.
func extractSpan(s string) string {
	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")

	start, open, close := objStart, byte('{'), byte('}')
	if objStart == -1 || (arrStart != -1 && arrStart < objStart) {
		start, open, close = arrStart, '[', ']'
	}
	if start == -1 {
		return ""
	}

	if end := matchBracket(s, start, open, close); end != -1 {
		return s[start : end+1]
	}

	// Truncated: close it if there is real content to salvage.
	if strings.LastIndex(s, `"`) > start {
		return strings.TrimRight(s[start:], " \n\t,") + string(close)
	}
	return ""
}

// matchBracket finds the matching closing bracket, skipping brackets inside
// strings and escape sequences. Returns -1 if unbalanced.
func matchBracket(s string, start int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// sanitize escapes literal newlines inside JSON string values, a common
// model output defect.
func sanitize(s string) string {
	var out strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			out.WriteByte(ch)
			escaped = true
		case ch == '"':
			out.WriteByte(ch)
			inString = !inString
		case inString && (ch == '\n' || ch == '\r'):
			out.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}
