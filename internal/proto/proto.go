package proto

import "encoding/json"

const (
	// Version is the only JSON-RPC version this package speaks.
	Version = "2.0"

	// DefaultMaxMessageBytes bounds the body of a single frame unless the
	// caller configures a different limit.
	DefaultMaxMessageBytes uint32 = 16 << 20

	// MethodPing is the liveness probe. The convergence server answers it
	// itself with ResultPong; it never reaches the host's dispatcher.
	MethodPing = "converge/ping"
)

// ResultPong is the canonical ping response body.
var ResultPong = json.RawMessage(`"pong"`)

// JSON-RPC 2.0 error codes used by the convergence server.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Kind classifies a decoded Message by its field shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return "invalid"
}

// ErrorObject is the JSON-RPC 2.0 error member of an error response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is one JSON-RPC 2.0 document: a request when Method is set, an
// error response when Error is set, and a result response otherwise.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// NewRequest builds a request message.
func NewRequest(id uint64, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params, ID: id}
}

// NewResponse builds a successful response. A nil result is encoded as JSON
// null so the document still classifies as a response.
func NewResponse(id uint64, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, Result: result, ID: id}
}

// NewError builds an error response.
func NewError(id uint64, code int, msg string) *Message {
	return &Message{JSONRPC: Version, Error: &ErrorObject{Code: code, Message: msg}, ID: id}
}

// Kind reports what shape of document this is. A message with both a method
// and a result, or with neither, is invalid.
func (m *Message) Kind() Kind {
	if m.JSONRPC != Version {
		return KindInvalid
	}
	switch {
	case m.Method != "" && m.Result == nil && m.Error == nil:
		return KindRequest
	case m.Method == "" && m.Error != nil && m.Result == nil:
		return KindError
	case m.Method == "" && m.Result != nil:
		return KindResponse
	}
	return KindInvalid
}
