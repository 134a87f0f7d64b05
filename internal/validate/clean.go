package validate

import (
	"strings"
	"unicode"

	"github.com/sells-group/acronym-cli/internal/model"
)

// CleanList trims every item, drops empty ones and removes case-insensitive
// duplicates, keeping the first occurrence in its original order.
func CleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := model.NormalizeKey(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// squash lowercases s and drops everything but letters and digits so that
// "R&D" and "R & D" compare equal.
func squash(s string) string {
	var b strings.Builder
	for _, r := range model.NormalizeKey(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
