// Package protocol defines the JSON-RPC 2.0 framing and the Model Context
// Protocol (MCP) wire structures exchanged between clients and this server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol tag every message must carry.
const Version = "2.0"

// ErrorPayload is the 'error' object inside a JSON-RPC error response.
type ErrorPayload struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Request represents a decoded JSON-RPC request or notification.
// ID is a string, an int64, or nil for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must never produce a response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC response object. Exactly one of Result or
// Error is set; ID echoes the request id, or is null for parse errors.
type Response struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// Notification represents a server-initiated JSON-RPC notification.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC notification object.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// NewSuccessResponse creates a JSON-RPC success response for the given id.
func NewSuccessResponse(id interface{}, result interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates a JSON-RPC error response for the given id.
// id may be nil when the request id could not be parsed.
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// ResponseFromError converts any error into an error response for id,
// mapping through the protocol error taxonomy.
func ResponseFromError(id interface{}, err error) *Response {
	pe := FromError(err)
	return NewErrorResponse(id, pe.Code, pe.Message, pe.Data)
}

// UnmarshalParams decodes a request's raw params into target. A missing or
// null params field is an error because the caller expected a payload.
func UnmarshalParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return fmt.Errorf("params missing")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to unmarshal params into %T: %w", target, err)
	}
	return nil
}
