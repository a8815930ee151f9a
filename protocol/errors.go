package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

// Standard JSON-RPC codes plus the MCP server-error range (-32099..-32000).
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603

	CodeUnauthorized ErrorCode = -32001
	CodeTimeout      ErrorCode = -32002
	CodeCancelled    ErrorCode = -32003
	CodeRateLimited  ErrorCode = -32010
	CodeRegistration ErrorCode = -32011
	CodeUnsupported  ErrorCode = -32012
)

// Error carries a JSON-RPC error code, message and optional structured data.
// Fallible protocol operations return *Error explicitly; the framer converts
// it into a well-formed error response at the boundary.
type Error struct {
	Code    ErrorCode
	Message string
	Data    interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// Payload returns the wire representation of the error.
func (e *Error) Payload() *ErrorPayload {
	return &ErrorPayload{Code: e.Code, Message: e.Message, Data: e.Data}
}

// NewError creates an Error with an arbitrary code.
func NewError(code ErrorCode, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewParseError creates a -32700 error. Parse errors carry a null id.
func NewParseError(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "Parse error", Data: detail}
}

// NewInvalidRequest creates a -32600 error.
func NewInvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid request", Data: detail}
}

// NewMethodNotFound creates a -32601 error for the named method.
func NewMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}
}

// NewInvalidParams creates a -32602 error.
func NewInvalidParams(message string, data interface{}) *Error {
	return &Error{Code: CodeInvalidParams, Message: message, Data: data}
}

// NewNotFound creates the -32602 mapping for a missing domain object.
func NewNotFound(what string) *Error {
	return &Error{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("%s not found", what),
		Data:    map[string]interface{}{"cause": "not_found"},
	}
}

// NewInternal creates a -32603 error.
func NewInternal(message string) *Error {
	return &Error{Code: CodeInternalError, Message: message}
}

// NewUnauthorized creates the -32001 authentication failure error.
func NewUnauthorized(message string) *Error {
	if message == "" {
		message = "Authentication failed"
	}
	return &Error{Code: CodeUnauthorized, Message: message}
}

// NewTimeout creates the timeout server error with data.cause set.
func NewTimeout(message string) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: message,
		Data:    map[string]interface{}{"cause": "timeout"},
	}
}

// NewCancelled creates the cancellation server error with data.cause set.
func NewCancelled(message string) *Error {
	return &Error{
		Code:    CodeCancelled,
		Message: message,
		Data:    map[string]interface{}{"cause": "cancelled"},
	}
}

// FromError maps an arbitrary error onto the protocol error taxonomy.
// *Error values pass through unchanged; context cancellation and deadline
// errors map to their server-error codes; anything else is internal.
func FromError(err error) *Error {
	if err == nil {
		return NewInternal("unknown error")
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeout(err.Error())
	case errors.Is(err, context.Canceled):
		return NewCancelled(err.Error())
	}
	return NewInternal(err.Error())
}
