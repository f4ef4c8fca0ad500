package pathutil

import "strings"

// NormalizePrefix returns prefix with a leading slash and no trailing slash.
// Blank input normalizes to "/".
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or sits below it on a
// segment boundary. Telemetry uses it to fold request paths into route
// groups, so "/api/runs" matches "/api/runs/run-7" but not "/api/runsx".
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
