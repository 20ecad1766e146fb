package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotInitialized is returned by data operations before Initialize or
	// after Close. Recoverable by re-initializing the adapter.
	ErrNotInitialized = errors.New("storage adapter not initialized")
	// ErrReadOnly is returned by mutating operations on a read-only adapter.
	ErrReadOnly = errors.New("storage adapter is read-only")
	// ErrSemanticDisabled is returned by semantic search when the vector
	// index is unavailable and no fallback applies.
	ErrSemanticDisabled = errors.New("semantic search disabled")
)

// DimensionError reports an embedding whose dimension does not match the
// dimension the database was created with.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// FatalCorruptionError is raised after the single restore-and-retry cycle has
// failed. It carries remediation steps for the operator.
type FatalCorruptionError struct {
	Path        string
	Cause       error
	Remediation string
}

func (e *FatalCorruptionError) Error() string {
	return fmt.Sprintf("database at %s is corrupted and could not be restored: %v. %s", e.Path, e.Cause, e.Remediation)
}

func (e *FatalCorruptionError) Unwrap() error { return e.Cause }

// IsCorruptionError reports whether err matches any of the given fatal-error
// patterns. The substring tables live with each backend; they are heuristics
// keyed to the engine's error text and structured codes where the engine has
// them.
func IsCorruptionError(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
