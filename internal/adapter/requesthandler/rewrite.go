package requesthandler

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"
)

// modelFieldPattern matches a "model" key and its string value in a JSON
// body, at any nesting depth; rewriteModelField only substitutes the match
// whose value is the top-level field. Grounded on the reference RewriteModelForAlias: targeted
// substitution preserves formatting, key ordering and whitespace instead
// of a full unmarshal/marshal round-trip.
var modelFieldPattern = regexp.MustCompile(`("model"\s*:\s*)"((?:[^"\\]|\\.)*)"`)

// extractModel reads the top-level "model" field from a JSON request body
// without a full unmarshal. Returns "" if body isn't JSON or has no model.
func extractModel(body []byte) string {
	result := gjson.GetBytes(body, "model")
	if !result.Exists() {
		return ""
	}
	return result.String()
}

// rewriteModelField replaces the top-level "model" field's value with
// physicalModel, byte-identical to body except for that value. A no-op
// if body isn't a JSON object or has no top-level "model" field.
func rewriteModelField(body []byte, physicalModel string) []byte {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	if _, ok := parsed["model"]; !ok {
		return body
	}

	escaped, err := json.Marshal(physicalModel)
	if err != nil {
		return body
	}

	top := gjson.GetBytes(body, "model")
	for _, loc := range modelFieldPattern.FindAllSubmatchIndex(body, -1) {
		if loc[4]-1 != top.Index {
			continue
		}
		replaced := modelFieldPattern.ReplaceAll(body[loc[0]:loc[1]], []byte(`${1}`+regexpEscapeReplacement(string(escaped))))
		out := make([]byte, 0, len(body)-(loc[1]-loc[0])+len(replaced))
		out = append(out, body[:loc[0]]...)
		out = append(out, replaced...)
		return append(out, body[loc[1]:]...)
	}
	return body
}

// regexpEscapeReplacement escapes $ so ReplaceAll doesn't treat the
// replacement as containing a submatch reference.
func regexpEscapeReplacement(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			out = append(out, '$', '$')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
