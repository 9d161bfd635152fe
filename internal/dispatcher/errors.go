package dispatcher

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrorKind is the closed taxonomy of tool-visible error types (spec.md §6.1,
// §7). No handler may surface a type outside this set.
type ErrorKind string

const (
	KindInvalidAgentName     ErrorKind = "INVALID_AGENT_NAME"
	KindProgramNameAsAgent   ErrorKind = "PROGRAM_NAME_AS_AGENT"
	KindModelNameAsAgent     ErrorKind = "MODEL_NAME_AS_AGENT"
	KindEmailAsAgent         ErrorKind = "EMAIL_AS_AGENT"
	KindBroadcastAttempt     ErrorKind = "BROADCAST_ATTEMPT"
	KindDescriptiveName      ErrorKind = "DESCRIPTIVE_NAME"
	KindUnixUsernameAsAgent  ErrorKind = "UNIX_USERNAME_AS_AGENT"
	KindDatabasePoolExhausted ErrorKind = "DATABASE_POOL_EXHAUSTED"
	KindDatabaseError        ErrorKind = "DATABASE_ERROR"
	KindResourceBusy         ErrorKind = "RESOURCE_BUSY"
	KindDatabaseCorruption   ErrorKind = "DATABASE_CORRUPTION"
	KindUnhandledException   ErrorKind = "UNHANDLED_EXCEPTION"
	KindFeatureDisabled      ErrorKind = "FEATURE_DISABLED"
	KindConflict             ErrorKind = "CONFLICT"
)

// ToolError is the {type, message, recoverable, data} shape every tool
// envelope's error field takes (spec.md §6.1).
type ToolError struct {
	Type        ErrorKind      `json:"type"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newToolError(kind ErrorKind, recoverable bool, msg string, data map[string]any) *ToolError {
	return &ToolError{Type: kind, Message: msg, Recoverable: recoverable, Data: data}
}

// classifyStoreError maps a storage-layer error to a stable tool-visible
// ErrorKind by message-substring inspection, per spec.md §7's "central
// mapper keyed on message substrings".
func classifyStoreError(err error) *ToolError {
	if err == nil {
		return nil
	}

	var poolExhausted interface {
		Error() string
	}
	if errors.As(err, &poolExhausted) && strings.Contains(err.Error(), "pool exhausted") {
		return newToolError(KindDatabasePoolExhausted, true,
			"Database connection pool exhausted. Reduce concurrency or increase pool settings.",
			map[string]any{"detail": err.Error()})
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"), strings.Contains(msg, "database table is locked"):
		return newToolError(KindResourceBusy, true, "Resource is temporarily busy. Wait a moment and try again.", nil)
	case strings.Contains(msg, "malformed disk image"), strings.Contains(msg, "disk image is malformed"), strings.Contains(msg, "file is not a database"):
		return newToolError(KindDatabaseCorruption, false, "database corruption detected", nil)
	default:
		return newToolError(KindDatabaseError, true,
			"A database error occurred. This may be a transient issue - try again.",
			map[string]any{"detail": err.Error()})
	}
}

// unhandled wraps a recovered panic value into the UNHANDLED_EXCEPTION shape,
// retaining the panic's type and text per the "Unexpected error ({type}):
// {message}" wording fixed by the legacy parity tests (spec.md §9).
func unhandled(recovered any) *ToolError {
	typeName := reflect.TypeOf(recovered)
	msg := fmt.Sprintf("Unexpected error (%v): %v", typeName, recovered)
	return newToolError(KindUnhandledException, false, msg, nil)
}
