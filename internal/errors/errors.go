// Package errors defines the structured error type shared by the protocol
// dispatcher, the room registry, and the host-application admin surface.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

// Predefined error codes. Names mirror the wire-protocol failure reasons in
// spec.md §6-7 so a single APIError can back both the WS failure frames and
// the admin HTTP surface.
const (
	InternalError     ErrorCode = "INTERNAL_ERROR"
	BadRequest        ErrorCode = "BAD_REQUEST"
	Unauthorized      ErrorCode = "UNAUTHORIZED"
	Forbidden         ErrorCode = "FORBIDDEN"
	RateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	IDTaken             ErrorCode = "ID_TAKEN"
	RegistrationDenied  ErrorCode = "REGISTRATION_DENIED"
	SessionUnknown      ErrorCode = "SESSION_UNKNOWN"
	SessionTokenInvalid ErrorCode = "SESSION_TOKEN_INVALID"

	RoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	RoomFull           ErrorCode = "ROOM_FULL"
	RoomCreationFailed ErrorCode = "ROOM_CREATION_FAILED"
	AlreadyInRoom      ErrorCode = "ALREADY_IN_ROOM"
	NotInRoom          ErrorCode = "NOT_IN_ROOM"
	JoinDenied         ErrorCode = "JOIN_DENIED"

	ValueTooLarge ErrorCode = "VALUE_TOO_LARGE"
	KeyCapReached ErrorCode = "KEY_CAP_REACHED"
)

// APIError is a structured, JSON-serializable error carried on every
// protocol failure frame and admin HTTP error response.
type APIError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to the admin HTTP surface's status code.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case BadRequest, ValueTooLarge, KeyCapReached:
		return http.StatusBadRequest
	case Unauthorized, SessionTokenInvalid:
		return http.StatusUnauthorized
	case Forbidden, JoinDenied, RegistrationDenied:
		return http.StatusForbidden
	case RoomNotFound, SessionUnknown:
		return http.StatusNotFound
	case IDTaken, AlreadyInRoom, RoomFull:
		return http.StatusConflict
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WithMetadata attaches a metadata key/value pair and returns the receiver
// for chaining.
func (e *APIError) WithMetadata(key string, value interface{}) *APIError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// New creates a new APIError stamped with the current time.
func New(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message, Timestamp: time.Now()}
}

// Newf creates a new APIError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *APIError {
	return New(code, fmt.Sprintf(format, args...))
}

// As reports whether err is an *APIError and returns it.
func As(err error) (*APIError, bool) {
	apiErr, ok := err.(*APIError)
	return apiErr, ok
}
