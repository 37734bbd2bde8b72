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

package protocol

import "errors"

var errEmptyEnvelope = errors.New("empty envelope")

// Envelope is the unit carried by in-memory transports. It holds either a
// message or an error, never both. An error is how a transport reports a
// failure (e.g., an undecodable frame) to the reading side without aborting
// the stream; the reader decides whether to surface it.
type Envelope struct {
	msg *JSONRPCMessage
	err error
}

// Wrap returns an Envelope holding msg.
func Wrap(msg *JSONRPCMessage) Envelope {
	return Envelope{msg: msg}
}

// Fail returns an Envelope holding err.
func Fail(err error) Envelope {
	return Envelope{err: err}
}

// IsError reports whether e carries an error rather than a message.
func (e Envelope) IsError() bool {
	return e.err != nil
}

// Unwrap returns the message held by e, or the error it carries.
func (e Envelope) Unwrap() (*JSONRPCMessage, error) {
	switch {
	case e.err != nil:
		return nil, e.err
	case e.msg == nil:
		return nil, errEmptyEnvelope
	default:
		return e.msg, nil
	}
}

// String returns a short description of e, suitable for logging.
func (e Envelope) String() string {
	if e.err != nil {
		return "error: " + e.err.Error()
	}
	return e.msg.String()
}
