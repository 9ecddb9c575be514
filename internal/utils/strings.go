// Package utils holds small helpers shared by config and services.
package utils

import "strings"

// SplitList splits a comma-separated setting into trimmed, non-empty items.
// It returns nil when nothing remains.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
