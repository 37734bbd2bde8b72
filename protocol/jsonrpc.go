// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the messages exchanged between an MCP client and an
// MCP server.
//
// Messages follow JSON-RPC 2.0. A message is one of a request (method and
// id), a notification (method, no id), a response (id and result) or an error
// response (error and, usually, an id). Transports that carry messages as Go
// values rather than bytes wrap them in an [Envelope], which can also carry a
// transport failure in place of a message.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the only value accepted in the "jsonrpc" member.
const JSONRPCVersion = "2.0"

// Kind identifies the shape of a JSONRPCMessage.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

// String implements the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// RequestID is a JSON-RPC request identifier. It is either an integer or a
// string and is marshaled back in the same form. RequestIDs are comparable and
// may be used as map keys.
type RequestID struct {
	num   int64
	str   string
	isStr bool
}

// IntID returns an integer request id.
func IntID(n int64) RequestID { return RequestID{num: n} }

// StringID returns a string request id.
func StringID(s string) RequestID { return RequestID{str: s, isStr: true} }

// IsString reports whether id was created from a string.
func (id RequestID) IsString() bool { return id.isStr }

// String returns a human-readable form of the id.
func (id RequestID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements the json.Marshaler interface.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %s: must be an integer or a string", data)
	}
	*id = IntID(n)
	return nil
}

// JSONRPCMessage is a single JSON-RPC 2.0 message. Params and Result hold raw
// JSON so that a message can be forwarded without knowing its schema.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies the message.
func (m *JSONRPCMessage) Kind() Kind {
	switch {
	case m == nil:
		return KindInvalid
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindError
	case m.ID != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// Validate returns an error if m is not a well-formed JSON-RPC 2.0 message.
func (m *JSONRPCMessage) Validate() error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	switch m.Kind() {
	case KindRequest, KindNotification:
		if m.Result != nil || m.Error != nil {
			return fmt.Errorf("%s %q carries a result or an error", m.Kind(), m.Method)
		}
	case KindResponse, KindError:
		if m.Result != nil && m.Error != nil {
			return fmt.Errorf("response %v carries both a result and an error", m.ID)
		}
	default:
		return errors.New("message is neither a request, a notification nor a response")
	}
	return nil
}

// String returns a short description of m, suitable for logging.
func (m *JSONRPCMessage) String() string {
	switch k := m.Kind(); k {
	case KindRequest:
		return fmt.Sprintf("request %v %q", m.ID, m.Method)
	case KindNotification:
		return fmt.Sprintf("notification %q", m.Method)
	case KindResponse:
		return fmt.Sprintf("response %v", m.ID)
	case KindError:
		return fmt.Sprintf("error %v: %v", m.ID, m.Error)
	default:
		return k.String()
	}
}

// UnmarshalParams decodes the message params into v. Absent params leave v
// untouched.
func (m *JSONRPCMessage) UnmarshalParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return Errorf(InvalidParams, "%s: %v", m.Method, err)
	}
	return nil
}

// UnmarshalResult decodes the message result into v. An absent or null result
// leaves v untouched.
func (m *JSONRPCMessage) UnmarshalResult(v any) error {
	if len(m.Result) == 0 || bytes.Equal(m.Result, []byte("null")) {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// NewRequest returns a request message. params may be nil.
func NewRequest(id RequestID, method string, params any) (*JSONRPCMessage, error) {
	raw, err := marshal(params)
	if err != nil {
		return nil, fmt.Errorf("request %q: %w", method, err)
	}
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification returns a notification message. params may be nil.
func NewNotification(method string, params any) (*JSONRPCMessage, error) {
	raw, err := marshal(params)
	if err != nil {
		return nil, fmt.Errorf("notification %q: %w", method, err)
	}
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResponse returns a successful response to the request with the given id.
// A nil result is sent as an empty object.
func NewResponse(id RequestID, result any) (*JSONRPCMessage, error) {
	raw, err := marshal(result)
	if err != nil {
		return nil, fmt.Errorf("response %v: %w", id, err)
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: &id, Result: raw}, nil
}

// NewErrorResponse returns an error response to the request with the given
// id.
func NewErrorResponse(id RequestID, err *Error) *JSONRPCMessage {
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: &id, Error: err}
}

// ParseMessage decodes and validates a single JSON-RPC message.
func ParseMessage(data []byte) (*JSONRPCMessage, error) {
	var m JSONRPCMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Errorf(ParseError, "%v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, Errorf(InvalidRequest, "%v", err)
	}
	return &m, nil
}

func marshal(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	return json.Marshal(v)
}
