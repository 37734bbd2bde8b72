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

package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/ServiceWeaver/mcp/internal/logging"
	"github.com/ServiceWeaver/mcp/protocol"
	"go.opentelemetry.io/otel/trace"
)

// Options configure a Session.
type Options struct {
	// Logger. Defaults to a logger that logs to stderr.
	Logger *slog.Logger

	// Tracer. Defaults to a tracer that discards spans.
	Tracer trace.Tracer

	// If positive, every request fails with ErrTimeout if no response
	// arrives within ReadTimeout. If zero, requests wait until their context
	// is done.
	ReadTimeout time.Duration

	// ClientInfo identifies the client to the server during initialization.
	ClientInfo protocol.Implementation

	// Capabilities are advertised to the server during initialization.
	Capabilities protocol.ClientCapabilities

	// NotificationHandler, if not nil, is called for every notification sent
	// by the server. Calls are made one at a time, in arrival order, off the
	// session's reader goroutine, so a handler may issue requests on the same
	// session. The context passed to the handler is cancelled by Close, which
	// does not wait for running handlers.
	NotificationHandler func(context.Context, *protocol.JSONRPCMessage)
}

// withDefaults returns a copy of the Options with zero values replaced with
// default values.
func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.StderrLogger(logging.Options{Component: "client"})
	}
	if o.Tracer == nil {
		o.Tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = protocol.Implementation{Name: "mcp", Version: "0.1.0"}
	}
	return o
}
