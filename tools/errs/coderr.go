package errs

import (
	"errors"
	"fmt"
)

// CodeError is an error that carries a stable wire reason code.
// Reason is what goes out in an ERROR frame; Detail stays server-side.
type CodeError struct {
	Reason string
	Detail string
}

func New(reason string) *CodeError {
	return &CodeError{Reason: reason}
}

func Newf(reason, format string, args ...interface{}) *CodeError {
	return &CodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return ce.Reason == e.Reason
}

// Reason extracts the wire reason from err, or fallback when err carries none.
func Reason(err error, fallback string) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return fallback
}
