package storage

import (
	"strings"
)

// recoverableMarkers is the fixed catalogue of substrings spec.md §4.1/§7
// names as recoverable-by-message-inspection: the engine's own transient
// busy/locked conditions. Anything else is treated as non-recoverable.
var recoverableMarkers = []string{
	"database is locked",
	"sqlite_busy",
	"database table is locked",
	"disk i/o error",
}

// corruptionMarkers identifies storage errors that indicate corruption
// rather than transient contention, per the same message-inspection
// classifier described in spec.md §4.1.
var corruptionMarkers = []string{
	"malformed disk image",
	"database disk image is malformed",
	"file is not a database",
}

// isRetriable classifies err by message inspection for transient
// lock/busy conditions that are safe to retry with backoff.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range recoverableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isCorruption classifies err by message inspection for structural
// corruption that requires the integrity guard's recovery path rather than
// a simple retry.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range corruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
