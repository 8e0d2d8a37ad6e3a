package optimization

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every component of the engine. They are matched
// with errors.Is through the Error wrapper.
var (
	// ErrNonFiniteEvaluation is reported when the objective or its
	// derivatives produce NaN or an infinity.
	ErrNonFiniteEvaluation = errors.New("non-finite evaluation")
	// ErrInvalidDirection is reported when a search direction is not a
	// descent direction. It indicates a broken direction strategy and is
	// never retried.
	ErrInvalidDirection = errors.New("search direction is not a descent direction")
	// ErrLineSearchFailure is reported when no acceptable step length was
	// found within the trial budget.
	ErrLineSearchFailure = errors.New("line search failed to find an acceptable step")
	// ErrDimensionMismatch is reported when a vector or matrix does not
	// match the problem dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInvalidProblem is reported for an incomplete objective binding.
	ErrInvalidProblem = errors.New("invalid problem")
	// ErrInvalidSettings is reported for settings that cannot be used.
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrOutOfBounds is reported when a point lies outside its box.
	ErrOutOfBounds = errors.New("point outside of bounds")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	msg := e.Message
	if msg == "" && e.Err != nil {
		return joinPrefix(prefix, e.Err.Error())
	}
	if e.Err != nil {
		return joinPrefix(prefix, fmt.Sprintf("%s: %v", msg, e.Err))
	}
	return joinPrefix(prefix, msg)
}

func joinPrefix(prefix, s string) string {
	if prefix == "" {
		return s
	}
	return prefix + ": " + s
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError checks if any error in err's chain is of type Error.
// If so, it returns the outermost one and true.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
