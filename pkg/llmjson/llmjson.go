// Package llmjson provides a tolerant JSON reader for parsing structured
// output embedded in free-text LLM responses: it strips fenced code
// blocks and line/block comments an oracle sometimes adds around its JSON,
// then repairs common malformations (trailing commas, unquoted keys,
// unterminated strings) before decoding. It never panics; when input
// cannot be decoded even after repair, Unmarshal returns the error and
// UnmarshalObject returns ok=false.
package llmjson

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Extract pulls the JSON payload out of raw oracle output: if a fenced
// ```json ... ``` (or bare ```...```) block is present, its contents are
// used; otherwise the raw text is used as-is. Leading/trailing
// whitespace is trimmed.
func Extract(raw string) string {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

// StripComments removes `//` line comments and `/* */` block comments
// from a JSON-ish string. It tracks double-quoted string literals
// (including backslash escapes), so "//" or "/*" inside a string is kept.
func StripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // land on the closing '/'
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unmarshal extracts, decomments, and decodes raw into v. On a syntax
// error it retries once through jsonrepair before giving up.
func Unmarshal(raw string, v any) error {
	cleaned := StripComments(Extract(raw))
	err := json.Unmarshal([]byte(cleaned), v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(cleaned)
	if rerr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

// UnmarshalObject is Unmarshal into a map, returning ok=false instead of
// an error when the result isn't a JSON object — the shape the
// decision, extraction and judge responses take (graph-op responses may
// be a bare list; pkg/dslexec decodes those separately).
func UnmarshalObject(raw string) (map[string]any, bool) {
	var v any
	if err := Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}
