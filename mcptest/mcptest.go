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

// Package mcptest provides helpers to test MCP servers in process.
//
// Use [mcptest.Connect] to get a client session connected to a server. The
// session is initialized, and closed when the test finishes. For example:
//
//	func TestEcho(t *testing.T) {
//	    srv := server.New(protocol.Implementation{Name: "echo"}, server.Options{})
//	    srv.HandleRequest("echo", echo)
//	    session := mcptest.Connect(t, srv, mcptest.Options{})
//	    var got map[string]any
//	    if err := session.SendRequest(ctx, "echo", want, &got); err != nil {
//	        t.Fatal(err)
//	    }
//	    // ...
//	}
//
// If the server fails while the test runs, the failure is reported when the
// test finishes. Set RaiseExceptions to make handler errors fail the test
// rather than be sent to the client.
package mcptest

import (
	"context"
	"testing"
	"time"

	"github.com/ServiceWeaver/mcp/client"
	"github.com/ServiceWeaver/mcp/internal/logging"
	"github.com/ServiceWeaver/mcp/memory"
	"github.com/ServiceWeaver/mcp/protocol"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options configure Connect.
type Options struct {
	// ReadTimeout bounds every request made by the session. Zero means no
	// bound beyond the test's own timeout.
	ReadTimeout time.Duration

	// If true, handler errors stop the server and fail the test.
	RaiseExceptions bool

	// If true, client spans are pretty printed to stdout.
	TraceStdout bool

	// Capabilities the client advertises to the server.
	Capabilities protocol.ClientCapabilities
}

// Pipe returns the two sides of a duplex in-memory link. The link is released
// when the test finishes.
func Pipe(t testing.TB) (client, server memory.Streams) {
	t.Helper()
	client, server, release := memory.CreateClientServerMemoryStreams()
	t.Cleanup(release)
	return client, server
}

// Connect runs srv in the background and returns a client session connected
// to it. The session has completed the initialization handshake. It is closed,
// and the server stopped, when the test finishes.
func Connect(t testing.TB, srv memory.Server, opts Options) *client.Session {
	t.Helper()
	mopts := memory.Options{
		ReadTimeout:     opts.ReadTimeout,
		RaiseExceptions: opts.RaiseExceptions,
		Logger:          logging.NewTestSlogger(t, testing.Verbose()),
		Capabilities:    opts.Capabilities,
	}
	if opts.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			t.Fatalf("create trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		t.Cleanup(func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				t.Errorf("shut down tracer provider: %v", err)
			}
		})
		mopts.Tracer = tp.Tracer("mcptest")
	}

	conn, err := memory.Connect(context.Background(), srv, mopts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("server: %v", err)
		}
	})
	return conn.Session()
}
