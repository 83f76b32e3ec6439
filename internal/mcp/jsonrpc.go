package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// codeMethodNotFound answers server requests we do not implement.
const codeMethodNotFound = -32601

// Request is a JSON-RPC 2.0 request message. The client always uses
// integer ids.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
// Inbound notifications carry their params as json.RawMessage.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// message is the union of everything a server may send: a response to
// one of our requests, a notification, or a request of its own (ping).
// Server-originated ids may be strings, so the id stays raw until the
// message is classified.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// decodeMessage parses one JSON-RPC envelope.
func decodeMessage(data []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.JSONRPC != jsonrpcVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	return &m, nil
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// isResponse reports whether m answers a request.
func (m *message) isResponse() bool {
	return m.Method == "" && m.hasID()
}

// isRequest reports whether m is a server-to-client request.
func (m *message) isRequest() bool {
	return m.Method != "" && m.hasID()
}

// isNotification reports whether m is a notification.
func (m *message) isNotification() bool {
	return m.Method != "" && !m.hasID()
}

// response converts m into a Response. Only integer ids can match one
// of our requests.
func (m *message) response() (*Response, error) {
	id, err := strconv.ParseInt(string(bytes.Trim(m.ID, `"`)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("response id %s is not an integer", m.ID)
	}
	return &Response{
		JSONRPC: m.JSONRPC,
		ID:      id,
		Result:  m.Result,
		Error:   m.Error,
	}, nil
}

// notification converts m into a Notification with raw params.
func (m *message) notification() *Notification {
	n := &Notification{JSONRPC: m.JSONRPC, Method: m.Method}
	if len(m.Params) > 0 {
		n.Params = m.Params
	}
	return n
}

// reply is a response we send to a server-originated request.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// answer builds the reply to a server request. Only ping is supported;
// anything else gets method-not-found.
func (m *message) answer() *reply {
	r := &reply{JSONRPC: jsonrpcVersion, ID: m.ID}
	if m.Method == "ping" {
		r.Result = struct{}{}
	} else {
		r.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + m.Method}
	}
	return r
}
