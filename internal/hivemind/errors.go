package hivemind

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already mapped")
	ErrInvalidInput       = errors.New("invalid input")
	ErrIO                 = errors.New("io failure")
	ErrRecoveryUnresolved = errors.New("recovery unresolved")
	ErrNotImplemented     = errors.New("not implemented")
)

// ConflictError reports a join against a document identifier that is
// already mapped for this user.
type ConflictError struct {
	DocumentID string
	LocalPath  string
}

func (e *ConflictError) Error() string {
	if e.LocalPath == "" {
		return fmt.Sprintf("document %s is already mapped", e.DocumentID)
	}
	return fmt.Sprintf("document %s is already mapped to %s", e.DocumentID, e.LocalPath)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IOError wraps a local file or persistence failure so callers can match
// on ErrIO while keeping the underlying cause.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// UnresolvedError reports an orphaned mapping no automatic recovery
// strategy could repair.
type UnresolvedError struct {
	DocumentID    string
	LastKnownPath string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("no recovery strategy matched document %s (last known at %s)", e.DocumentID, e.LastKnownPath)
}

func (e *UnresolvedError) Is(target error) bool {
	return target == ErrRecoveryUnresolved
}
