// Package jsonrpc implements the line-delimited JSON-RPC 2.0 envelope used
// between the proxy and its child processes. Messages keep their raw bytes
// alongside the decoded fields so the proxy can pass payloads through (and
// cache them) without re-encoding.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// JSON-RPC 2.0 error codes (specification section 5.1).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind classifies a parsed message.
type Kind int

const (
	// KindInvalid marks bytes that are not a well-formed JSON-RPC message.
	KindInvalid Kind = iota
	// KindRequest is a call carrying an id, expecting a response.
	KindRequest
	// KindNotification is a call without an id; no response is expected.
	KindNotification
	// KindResponse carries exactly one of result or error for an earlier id.
	KindResponse
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// ID is a JSON-RPC id. The raw JSON bytes are preserved so string and number
// ids round-trip exactly as the client sent them. The zero value means the
// id is absent.
type ID struct {
	raw json.RawMessage
}

// StringID returns an ID holding the given string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// NumberID returns an ID holding the given integer.
func NumberID(n int64) ID {
	b, _ := json.Marshal(n)
	return ID{raw: b}
}

// RawID wraps pre-validated raw JSON bytes as an ID.
func RawID(raw json.RawMessage) ID {
	if len(raw) == 0 {
		return ID{}
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return ID{raw: out}
}

// IsSet reports whether the id is present.
func (id ID) IsSet() bool { return len(id.raw) > 0 }

// Raw returns the raw JSON bytes of the id, or nil when absent.
func (id ID) Raw() json.RawMessage { return id.raw }

// Key returns a map key identifying this id. Ids compare by their raw bytes,
// which is exact for numbers and strings as emitted by a single encoder.
func (id ID) Key() string { return string(id.raw) }

// Equal reports whether two ids carry the same raw value.
func (id ID) Equal(other ID) bool { return bytes.Equal(id.raw, other.raw) }

// String implements fmt.Stringer for logging.
func (id ID) String() string {
	if !id.IsSet() {
		return "<none>"
	}
	return string(id.raw)
}

// valid reports whether the raw bytes are a string or a number. null and
// structured values are rejected per the envelope rules.
func (id ID) valid() bool {
	if !id.IsSet() {
		return true
	}
	switch id.raw[0] {
	case '"':
		var s string
		return json.Unmarshal(id.raw, &s) == nil
	case '{', '[', 't', 'f', 'n':
		return false
	default:
		var n json.Number
		return json.Unmarshal(id.raw, &n) == nil
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a parsed JSON-RPC message. Raw always holds the original bytes;
// the remaining fields are populated according to Kind.
type Message struct {
	// Raw is the exact wire form of the message, without trailing newline.
	Raw []byte

	// Kind tags which variant this message is.
	Kind Kind

	// Method is set for requests and notifications.
	Method string

	// ID is set for requests and responses.
	ID ID

	// Params holds the raw params of a request or notification.
	Params json.RawMessage

	// Result holds the raw result of a successful response.
	Result json.RawMessage

	// Err holds the error object of a failed response.
	Err *Error
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool { return m.Kind == KindRequest }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return m.Kind == KindResponse }

// IsNotification reports whether the message is a fire-and-forget call.
func (m *Message) IsNotification() bool { return m.Kind == KindNotification }

// envelope mirrors the wire object for decoding. Pointer fields distinguish
// absent members from null values, which matters for result/error detection.
type envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	ID      json.RawMessage  `json:"id"`
	Params  json.RawMessage  `json:"params"`
	Result  *json.RawMessage `json:"result"`
	Error   *Error           `json:"error"`
}

// Parse decodes one line of wire bytes into a Message. Bytes that are not a
// JSON object, or that satisfy none of the three variants, come back with
// Kind set to KindInvalid and a describing error; Raw is populated either way
// so callers can log or forward the original text.
func Parse(line []byte) (*Message, error) {
	raw := make([]byte, len(line))
	copy(raw, line)
	msg := &Message{Raw: raw, Kind: KindInvalid}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return msg, fmt.Errorf("parse message: %w", err)
	}
	if env.JSONRPC != Version {
		return msg, fmt.Errorf(`parse message: jsonrpc must be %q, got %q`, Version, env.JSONRPC)
	}

	id := RawID(env.ID)
	if !id.valid() {
		return msg, fmt.Errorf("parse message: id must be a string or number, got %s", env.ID)
	}

	// A response carries exactly one of result or error and never a method.
	if env.Result != nil || env.Error != nil {
		if env.Method != "" {
			return msg, fmt.Errorf("parse message: both method and result/error present")
		}
		if env.Result != nil && env.Error != nil {
			return msg, fmt.Errorf("parse message: both result and error present")
		}
		msg.Kind = KindResponse
		msg.ID = id
		if env.Result != nil {
			msg.Result = *env.Result
		}
		msg.Err = env.Error
		return msg, nil
	}

	if env.Method == "" {
		return msg, fmt.Errorf("parse message: method must be a non-empty string")
	}
	msg.Method = env.Method
	msg.Params = env.Params
	msg.ID = id
	if id.IsSet() {
		msg.Kind = KindRequest
	} else {
		msg.Kind = KindNotification
	}
	return msg, nil
}

// ValidateRequest parses body as an inbound client request and applies the
// envelope rules: jsonrpc must be "2.0", method must be a non-empty string,
// id must be a string, a number, or absent. On violation it returns a
// JSON-RPC error with code -32600 ready to be written back.
func ValidateRequest(body []byte) (*Message, *Error) {
	msg, err := Parse(body)
	if err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}
	}
	if msg.Kind != KindRequest && msg.Kind != KindNotification {
		return nil, &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}
	}
	return msg, nil
}
