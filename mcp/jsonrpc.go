// ABOUTME: JSON-RPC 2.0 message types used on the wire with MCP tool servers.
// ABOUTME: Newline-delimited JSON framing; requests carry int64 IDs, notifications carry none.
package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. A nil ID makes it a notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-initiated message with no ID.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with the given ID.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

// NewNotification builds a request with no ID.
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPC: "2.0", Method: method, Params: params}
}

// NewResult builds a success response for id.
func NewResult(id *int64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError builds an error response for id.
func NewError(id *int64, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
