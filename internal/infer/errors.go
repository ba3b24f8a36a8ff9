package infer

import (
	"context"
	"errors"
	"fmt"

	"embedd/internal/tokenizer"
	"embedd/pkg/types"
)

// Error couples a human-readable message with exactly one taxonomy tag.
// Per-request failures are wrapped into this type at the engine boundary and
// mapped 1:1 to the wire taxonomy; they never crash the process.
type Error struct {
	Type types.ErrorType
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Errorf builds a tagged error.
func Errorf(t types.ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, err: fmt.Errorf(format, args...)}
}

func wrap(t types.ErrorType, err error) *Error {
	return &Error{Type: t, err: err}
}

// TypeOf returns the taxonomy tag of err. Untagged errors count as Backend
// failures.
func TypeOf(err error) types.ErrorType {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Type
	}
	return types.ErrorTypeBackend
}

// IsOverloaded reports whether err is the fail-fast backpressure signal.
func IsOverloaded(err error) bool {
	return TypeOf(err) == types.ErrorTypeOverloaded
}

// classifyTokenization maps tokenization failures onto the taxonomy: inputs
// over the length limit are the caller's fault, everything else is the
// tokenizer's.
func classifyTokenization(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if tokenizer.IsInputTooLong(err) {
		return wrap(types.ErrorTypeValidation, err)
	}
	return wrap(types.ErrorTypeTokenizer, err)
}
