package config

import "strings"

// NormalizePrefix turns a user supplied key prefix into slash separated
// segments with no leading, trailing, empty or "." segments.
func NormalizePrefix(prefix string) string {
	prefix = strings.ReplaceAll(prefix, "\\", "/")
	parts := strings.Split(prefix, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}
