package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUniqueViolation is returned when a project insert would violate a
// unique constraint (slug or human_key). A duplicate agent name within a
// project is reported as ErrAgentNameTaken instead.
var ErrUniqueViolation = errors.New("storage: unique constraint violation")

// ErrCorruption is returned when an integrity check detects database corruption.
var ErrCorruption = errors.New("storage: database corruption detected")
