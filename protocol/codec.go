package protocol

import (
	"bytes"
	"encoding/json"
	"math"
)

// Envelope is one entry of a decoded message. Either Request is set, or Err
// holds the per-entry validation failure that the handler turns into an
// error response.
type Envelope struct {
	Request *Request
	Err     *Error
}

// Message is the decoded form of one incoming frame: a single request or
// notification, or an ordered batch of them.
type Message struct {
	Batch     bool
	Envelopes []Envelope
}

// wireRequest defers id/method/params decoding so malformed shapes can be
// rejected with the right code instead of a generic unmarshal failure.
type wireRequest struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// DecodeMessage parses raw bytes into a Message. It returns a top-level
// *Error for undecodable input (-32700) and for an empty batch (-32600);
// per-entry envelope violations are reported inside the Message so batches
// degrade entry by entry.
func DecodeMessage(data []byte) (*Message, *Error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewParseError("empty message")
	}
	if !json.Valid(trimmed) {
		return nil, NewParseError("invalid JSON")
	}

	if trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, NewParseError(err.Error())
		}
		if len(entries) == 0 {
			return nil, NewInvalidRequest("empty batch")
		}
		msg := &Message{Batch: true, Envelopes: make([]Envelope, 0, len(entries))}
		for _, raw := range entries {
			msg.Envelopes = append(msg.Envelopes, decodeEnvelope(raw))
		}
		return msg, nil
	}

	return &Message{Envelopes: []Envelope{decodeEnvelope(trimmed)}}, nil
}

func decodeEnvelope(raw json.RawMessage) Envelope {
	var wire wireRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{Err: NewInvalidRequest(err.Error())}
	}

	var version string
	if err := json.Unmarshal(wire.JSONRPC, &version); err != nil || version != Version {
		return Envelope{Err: NewInvalidRequest(`jsonrpc must be "2.0"`)}
	}

	var method string
	if len(wire.Method) == 0 || json.Unmarshal(wire.Method, &method) != nil || method == "" {
		return Envelope{Err: NewInvalidRequest("method must be a non-empty string")}
	}

	id, ok := decodeID(wire.ID)
	if !ok {
		return Envelope{Err: NewInvalidRequest("id must be a string or an integer")}
	}

	if len(wire.Params) > 0 && string(wire.Params) != "null" {
		switch wire.Params[0] {
		case '{', '[':
		default:
			return Envelope{Err: NewInvalidRequest("params must be an object or an array")}
		}
	}

	return Envelope{Request: &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  wire.Params,
	}}
}

// decodeID parses a raw id field. Absent and null ids yield nil (the message
// is a notification). String and integral-number ids are accepted.
func decodeID(raw json.RawMessage) (interface{}, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n != math.Trunc(n) {
			return nil, false
		}
		return int64(n), true
	}
	return nil, false
}

// EncodeResponse serializes a single response.
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// EncodeResponses serializes the responses produced for one frame. A single
// (non-batch) frame is encoded bare; a batch is encoded as an array. A nil or
// empty slice yields nil: nothing should be written.
func EncodeResponses(responses []*Response, batch bool) ([]byte, error) {
	if len(responses) == 0 {
		return nil, nil
	}
	if !batch && len(responses) == 1 {
		return json.Marshal(responses[0])
	}
	return json.Marshal(responses)
}

// DecodeResponse parses a serialized response, for round-trip checks and the
// client side of tests.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	// json decodes numeric ids as float64; normalize to int64 to match
	// the request decoding convention.
	if f, ok := resp.ID.(float64); ok && f == math.Trunc(f) {
		resp.ID = int64(f)
	}
	return &resp, nil
}
