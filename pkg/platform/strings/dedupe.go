// Package strings holds list helpers for configuration and document values.
package strings

import (
	"strings"
)

// DedupeAndTrim trims each element and drops blanks and repeats, keeping
// first-seen order. Used for @context lists, credential types and seed ids.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// SplitList parses a comma separated setting ("alice, bob,,alice") into a
// deduplicated list.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return DedupeAndTrim(strings.Split(raw, ","))
}

// EqualSets reports whether a and b hold the same distinct values.
func EqualSets(a, b []string) bool {
	da, db := DedupeAndTrim(a), DedupeAndTrim(b)
	if len(da) != len(db) {
		return false
	}
	seen := make(map[string]struct{}, len(da))
	for _, v := range da {
		seen[v] = struct{}{}
	}
	for _, v := range db {
		if _, ok := seen[v]; !ok {
			return false
		}
	}
	return true
}
