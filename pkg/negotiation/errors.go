package negotiation

import "errors"

// Error codes returned by the engine.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeInvalid        = "INVALID_ARGUMENT"
	CodeConcluded      = "CONCLUDED"
	CodeNotPermitted   = "NOT_PERMITTED"
	CodeRetractFailed  = "RETRACT_FAILED"
	CodeInternal       = "INTERNAL_ERROR"
	CodeEngineShutdown = "UNAVAILABLE"
)

// Error is a structured engine error.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
