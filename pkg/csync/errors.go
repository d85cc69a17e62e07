package csync

import "fmt"

// ErrorCode is a stable integer identifier for a csync error category.
type ErrorCode int

const (
	// CodeInternalError indicates a server-side internal error envelope, or a
	// malformed message the client could not interpret.
	CodeInternalError ErrorCode = 1
	// CodeInvalidKey indicates a key failed validation before any network call.
	CodeInvalidKey ErrorCode = 2
	// CodeInvalidRequest indicates a client-side constructor or argument failure.
	CodeInvalidRequest ErrorCode = 3
	// CodeRequestError indicates the server rejected a request (non-zero happy.code).
	CodeRequestError ErrorCode = 4
)

// String returns a human-readable name for the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeInternalError:
		return "InternalError"
	case CodeInvalidKey:
		return "InvalidKey"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeRequestError:
		return "RequestError"
	default:
		return "UnknownError"
	}
}

// Error is the single error type returned across the csync public surface.
// It carries a stable Code plus an optional wrapped cause, in the same
// WithX-decorated shape the teacher corpus uses for its API error type.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// NewError constructs an *Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches a wrapped cause and returns the same *Error for chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("csync: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("csync: %s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// InvalidKeyCause enumerates the specific reasons a Key fails validation.
type InvalidKeyCause int

const (
	// CauseTooManyComponents means the key has more than MaxKeyComponents parts.
	CauseTooManyComponents InvalidKeyCause = iota
	// CauseEmptyComponent means one of the components was the empty string.
	CauseEmptyComponent
	// CauseInvalidCharacter means a component held a character outside [A-Za-z0-9_-].
	CauseInvalidCharacter
	// CauseHashNotFinal means '#' appeared in a non-final component.
	CauseHashNotFinal
	// CauseTooLong means the joined key string exceeded MaxKeyLength.
	CauseTooLong
)

// String renders the cause as a short label, used in error messages and logs.
func (c InvalidKeyCause) String() string {
	switch c {
	case CauseTooManyComponents:
		return "too_many_components"
	case CauseEmptyComponent:
		return "empty_component"
	case CauseInvalidCharacter:
		return "invalid_character"
	case CauseHashNotFinal:
		return "hash_not_final"
	case CauseTooLong:
		return "too_long"
	default:
		return "unknown"
	}
}

// NewInvalidKeyError builds the categorized InvalidKey error for a cause.
func NewInvalidKeyError(cause InvalidKeyCause, detail string) *Error {
	return NewError(CodeInvalidKey, fmt.Sprintf("%s: %s", cause, detail))
}
