package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NewRequest builds the wire bytes for a request with the given id, method
// and params. Params may be nil.
func NewRequest(id ID, method string, params json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0"`)
	if id.IsSet() {
		buf.WriteString(`,"id":`)
		buf.Write(id.Raw())
	}
	buf.WriteString(`,"method":`)
	name, _ := json.Marshal(method)
	buf.Write(name)
	if len(params) > 0 {
		buf.WriteString(`,"params":`)
		buf.Write(params)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// NewResponse builds the wire bytes for a successful response.
func NewResponse(id ID, result json.RawMessage) []byte {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0","id":`)
	buf.Write(idOrNull(id))
	buf.WriteString(`,"result":`)
	buf.Write(result)
	buf.WriteByte('}')
	return buf.Bytes()
}

// NewErrorResponse builds the wire bytes for an error response. A response
// must carry an id member, so an absent id is encoded as null.
func NewErrorResponse(id ID, code int, message string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0","id":`)
	buf.Write(idOrNull(id))
	buf.WriteString(`,"error":{"code":`)
	fmt.Fprintf(&buf, "%d", code)
	buf.WriteString(`,"message":`)
	m, _ := json.Marshal(message)
	buf.Write(m)
	buf.WriteString(`}}`)
	return buf.Bytes()
}

func idOrNull(id ID) json.RawMessage {
	if id.IsSet() {
		return id.Raw()
	}
	return json.RawMessage("null")
}

// WithID returns the message's wire bytes with the id member replaced (or
// inserted). The rest of the envelope is re-encoded from the raw bytes, so
// unknown members survive.
func WithID(raw []byte, id ID) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("rewrite id: %w", err)
	}
	if id.IsSet() {
		obj["id"] = id.Raw()
	} else {
		delete(obj, "id")
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("rewrite id: %w", err)
	}
	return out, nil
}

// Canonical re-encodes raw JSON into its canonical form: object keys sorted,
// insignificant whitespace removed, numbers preserved verbatim. Two
// semantically equal bodies canonicalise to the same bytes, which makes the
// result usable as cache-fingerprint input.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalise: %w", err)
	}
	// encoding/json sorts map keys and emits no insignificant whitespace.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalise: %w", err)
	}
	return out, nil
}
