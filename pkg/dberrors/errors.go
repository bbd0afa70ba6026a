package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("scopedb: not found")
	ErrClosed          = errors.New("scopedb: closed")
	ErrInvalidArgument = errors.New("scopedb: invalid argument")
	ErrUndoLimit       = errors.New("scopedb: undo log limit reached")

	// ErrCorruption is the match target for corruption errors; use
	// errors.Is(err, ErrCorruption). Concrete errors carry a reason.
	ErrCorruption = errors.New("scopedb: corruption")
)

// CorruptionError reports a malformed on-disk record, an unsupported
// metadata version, or an inconsistent recovered lock set. It is fatal
// to the operation that detected it.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string {
	return "scopedb: corruption: " + e.Reason
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

// Corruptionf builds a CorruptionError with a formatted reason.
func Corruptionf(format string, args ...any) error {
	return &CorruptionError{Reason: fmt.Sprintf(format, args...)}
}
