package validate

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON locates the JSON object in a model response. Code fences and
// surrounding prose are tolerated: the object spans from the first '{' to the
// last '}'. ok is false when no valid object is found.
func ExtractJSON(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	js := raw[start : end+1]
	if !gjson.Valid(js) {
		return "", false
	}
	return js, true
}

// stringList reads an array of strings, or a comma-separated string.
// ok is false when the value has another JSON type or a non-string element.
func stringList(res gjson.Result, allowCSV bool) (out []string, ok bool) {
	switch {
	case res.IsArray():
		for _, item := range res.Array() {
			if item.Type != gjson.String {
				return nil, false
			}
			out = append(out, item.String())
		}
		return out, true
	case allowCSV && res.Type == gjson.String:
		return strings.Split(res.String(), ","), true
	case res.Type == gjson.Null:
		return nil, true
	default:
		return nil, false
	}
}
