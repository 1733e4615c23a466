// Package redact formats sensitive values for logging. The unredacted value
// must never reach a log line.
package redact

import "strings"

const visibleSuffix = 4

// Tail replaces all but the last few characters of a sensitive value with a
// fixed mask. Short values are fully masked so the suffix cannot reconstruct
// them.
func Tail(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= visibleSuffix*2 {
		return "****"
	}
	return "****" + value[len(value)-visibleSuffix:]
}
