// Package message defines the request and response envelopes exchanged between a client and a provider.
//
// Envelopes are serialized by the codec layer and wrapped in a protocol frame for transmission over TCP.
package message

import (
	"encoding/json"
	"fmt"
)

// Request carries one remote method invocation.
//
// The dispatch key on the provider side is Interface + Method + ParamTypes; there is no
// versioning or overload disambiguation beyond that.
type Request struct {
	RequestID  int64             `json:"request_id"`
	Interface  string            `json:"interface"`   // Remote interface identity, e.g. "Hello"
	Method     string            `json:"method"`      // Method name, e.g. "Hello"
	ParamTypes []string          `json:"param_types"` // Declared parameter type descriptors, e.g. ["string"]
	Args       []json.RawMessage `json:"args"`        // One JSON document per argument
}

// NewRequest builds a Request, encoding every argument to JSON.
func NewRequest(id int64, iface, method string, paramTypes []string, args []any) (*Request, error) {
	if len(paramTypes) != len(args) {
		return nil, fmt.Errorf("%s.%s: %d param types for %d args", iface, method, len(paramTypes), len(args))
	}
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: encode arg %d: %w", iface, method, i, err)
		}
		raw[i] = b
	}
	return &Request{
		RequestID:  id,
		Interface:  iface,
		Method:     method,
		ParamTypes: paramTypes,
		Args:       raw,
	}, nil
}

// ServiceMethod returns "Interface.Method", used for logging.
func (r *Request) ServiceMethod() string {
	return r.Interface + "." + r.Method
}

// Response answers the Request with the same RequestID.
//
//   - On success: Payload holds the JSON-encoded return value, Error is empty.
//   - On failure: Error is non-empty.
type Response struct {
	RequestID int64  `json:"request_id"`
	Payload   []byte `json:"payload"`
	Error     string `json:"error"`
}
