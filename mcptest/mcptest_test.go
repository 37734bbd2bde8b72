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

package mcptest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ServiceWeaver/mcp/internal/logging"
	"github.com/ServiceWeaver/mcp/mcptest"
	"github.com/ServiceWeaver/mcp/protocol"
	"github.com/ServiceWeaver/mcp/server"
	"github.com/ServiceWeaver/mcp/stream"
)

func echoServer(t *testing.T) *server.Server {
	srv := server.New(protocol.Implementation{Name: "echo", Version: "1.0.0"}, server.Options{
		Logger: logging.NewTestSlogger(t, testing.Verbose()),
	})
	srv.HandleRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	return srv
}

func TestConnect(t *testing.T) {
	for _, test := range []struct {
		name string
		opts mcptest.Options
	}{
		{"Default", mcptest.Options{}},
		{"ReadTimeout", mcptest.Options{ReadTimeout: 10 * time.Second}},
		{"RaiseExceptions", mcptest.Options{RaiseExceptions: true}},
		{"TraceStdout", mcptest.Options{TraceStdout: true}},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.Background()
			session := mcptest.Connect(t, echoServer(t), test.opts)
			if !session.Initialized() {
				t.Fatal("session not initialized")
			}
			if err := session.Ping(ctx); err != nil {
				t.Fatal(err)
			}
			var got string
			if err := session.SendRequest(ctx, "echo", "hello", &got); err != nil {
				t.Fatal(err)
			}
			if want := "hello"; got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func TestPipe(t *testing.T) {
	ctx := context.Background()
	c, s := mcptest.Pipe(t)
	msg, err := protocol.NewNotification("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Write.Send(ctx, protocol.Wrap(msg)); err != nil {
		t.Fatal(err)
	}
	env, err := s.Read.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != "hello" {
		t.Fatalf("got %v, want notification %q", got, "hello")
	}
}

func TestPipeReleased(t *testing.T) {
	var readers []*stream.Receiver[protocol.Envelope]
	t.Run("pipe", func(t *testing.T) {
		c, s := mcptest.Pipe(t)
		readers = append(readers, c.Read, s.Read)
	})
	// The subtest's cleanups have run.
	for _, r := range readers {
		if _, err := r.Receive(context.Background()); !errors.Is(err, stream.ErrClosed) {
			t.Errorf("Receive after test: got %v, want %v", err, stream.ErrClosed)
		}
	}
}

func TestConnectCapabilities(t *testing.T) {
	srv := echoServer(t)
	srv.HandleRequest("sampling", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return server.SessionFromContext(ctx).ClientInfo().Capabilities.Sampling != nil, nil
	})
	session := mcptest.Connect(t, srv, mcptest.Options{
		Capabilities: protocol.ClientCapabilities{Sampling: &struct{}{}},
	})
	var got bool
	if err := session.SendRequest(context.Background(), "sampling", nil, &got); err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("server did not see the sampling capability")
	}
}
