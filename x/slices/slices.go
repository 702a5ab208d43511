// Package slices provides additional slice functions on common slice types
package slices

import (
	"strings"
)

// StringContainsOneOf returns true if one of items slice is a substring of specified value.
func StringContainsOneOf(item string, items []string) bool {
	for _, x := range items {
		if strings.Contains(item, x) {
			return true
		}
	}
	return false
}

// StringUpto returns the beginning of the string up to `max`
func StringUpto(str string, max int) string {
	if len(str) > max {
		return str[:max]
	}
	return str
}
