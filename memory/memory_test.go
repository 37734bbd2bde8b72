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

package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ServiceWeaver/mcp/client"
	"github.com/ServiceWeaver/mcp/internal/logging"
	"github.com/ServiceWeaver/mcp/memory"
	"github.com/ServiceWeaver/mcp/protocol"
	"github.com/ServiceWeaver/mcp/server"
	"github.com/ServiceWeaver/mcp/stream"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

// newServer returns a server with an "echo" request handler that returns its
// params unchanged.
func newServer(t *testing.T, name string) *server.Server {
	t.Helper()
	srv := server.New(protocol.Implementation{Name: name, Version: "1.0.0"}, server.Options{
		Logger: logging.NewTestSlogger(t, testing.Verbose()),
	})
	srv.HandleRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	return srv
}

func testOptions(t *testing.T) memory.Options {
	return memory.Options{Logger: logging.NewTestSlogger(t, testing.Verbose())}
}

// funcServer is a memory.Server whose Run is implemented by a function.
type funcServer func(ctx context.Context, read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope]) error

func (f funcServer) CreateInitializationOptions() server.InitializationOptions {
	return server.InitializationOptions{ServerName: "func"}
}

func (f funcServer) Run(ctx context.Context, read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope], _ server.InitializationOptions, _ bool) error {
	return f(ctx, read, write)
}

func notification(t *testing.T, i int) *protocol.JSONRPCMessage {
	t.Helper()
	msg, err := protocol.NewNotification(fmt.Sprintf("n%d", i), nil)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestStreamsFIFO(t *testing.T) {
	ctx := context.Background()
	const n = 20
	var msgs []*protocol.JSONRPCMessage
	for i := 0; i < n; i++ {
		msgs = append(msgs, notification(t, i))
	}
	err := memory.WithClientServerMemoryStreams(ctx, func(ctx context.Context, c, s memory.Streams) error {
		var group errgroup.Group
		group.Go(func() error {
			defer c.Write.Close()
			for _, msg := range msgs {
				if err := c.Write.Send(ctx, protocol.Wrap(msg)); err != nil {
					return err
				}
			}
			return nil
		})

		var got, want []string
		for i := 0; i < n; i++ {
			want = append(want, fmt.Sprintf("n%d", i))
		}
		for {
			env, err := s.Read.Receive(ctx)
			if errors.Is(err, stream.ErrEndOfStream) {
				break
			}
			if err != nil {
				return err
			}
			msg, err := env.Unwrap()
			if err != nil {
				return err
			}
			got = append(got, msg.Method)
		}
		if err := group.Wait(); err != nil {
			return err
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("received (-want +got):\n%s", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStreamsDirections(t *testing.T) {
	ctx := context.Background()
	c, s, release := memory.CreateClientServerMemoryStreams()
	defer release()

	if err := s.Write.Send(ctx, protocol.Wrap(notification(t, 1))); err != nil {
		t.Fatal(err)
	}
	env, err := c.Read.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg, _ := env.Unwrap(); msg.Method != "n1" {
		t.Errorf("client received %v, want n1", msg)
	}

	if err := c.Write.Send(ctx, protocol.Wrap(notification(t, 2))); err != nil {
		t.Fatal(err)
	}
	env, err = s.Read.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg, _ := env.Unwrap(); msg.Method != "n2" {
		t.Errorf("server received %v, want n2", msg)
	}
}

func TestStreamsCapacity(t *testing.T) {
	c, s, release := memory.CreateClientServerMemoryStreams()
	defer release()
	for _, got := range []int{c.Read.Cap(), c.Write.Cap(), s.Read.Cap(), s.Write.Cap()} {
		if got != 1 {
			t.Errorf("capacity = %d, want 1", got)
		}
	}

	// A second message blocks until the first is read.
	ctx := context.Background()
	if err := c.Write.Send(ctx, protocol.Wrap(notification(t, 1))); err != nil {
		t.Fatal(err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := c.Write.Send(short, protocol.Wrap(notification(t, 2))); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second send: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestStreamsClosedAfterScope(t *testing.T) {
	ctx := context.Background()
	var c, s memory.Streams
	err := memory.WithClientServerMemoryStreams(ctx, func(_ context.Context, client, server memory.Streams) error {
		c, s = client, server
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, w := range []*stream.Sender[protocol.Envelope]{c.Write, s.Write} {
		if err := w.Send(ctx, protocol.Wrap(notification(t, 0))); !errors.Is(err, stream.ErrClosed) {
			t.Errorf("Send after scope: got %v, want %v", err, stream.ErrClosed)
		}
	}
	for _, r := range []*stream.Receiver[protocol.Envelope]{c.Read, s.Read} {
		if _, err := r.Receive(ctx); !errors.Is(err, stream.ErrClosed) {
			t.Errorf("Receive after scope: got %v, want %v", err, stream.ErrClosed)
		}
	}
}

func TestStreamsReleasedOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var c memory.Streams
	err := memory.WithClientServerMemoryStreams(ctx, func(_ context.Context, client, _ memory.Streams) error {
		c = client
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if _, err := c.Read.Receive(ctx); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("Receive after scope: got %v, want %v", err, stream.ErrClosed)
	}
}

func TestStreamsReleasedOnPanic(t *testing.T) {
	ctx := context.Background()
	var c memory.Streams
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		memory.WithClientServerMemoryStreams(ctx, func(_ context.Context, client, _ memory.Streams) error {
			c = client
			panic("boom")
		})
	}()
	if err := c.Write.Send(ctx, protocol.Wrap(notification(t, 0))); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("Send after panic: got %v, want %v", err, stream.ErrClosed)
	}
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	conn, err := memory.Connect(ctx, newServer(t, "echo"), testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	session := conn.Session()
	if !session.Initialized() {
		t.Fatal("session not initialized")
	}
	want := protocol.Implementation{Name: "echo", Version: "1.0.0"}
	if diff := cmp.Diff(want, session.ServerInfo()); diff != "" {
		t.Errorf("ServerInfo (-want +got):\n%s", diff)
	}
	if got := session.InitializeResult().ProtocolVersion; got != protocol.LatestProtocolVersion {
		t.Errorf("protocol version = %q, want %q", got, protocol.LatestProtocolVersion)
	}
	if err := session.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestConnectCloseTwice(t *testing.T) {
	conn, err := memory.Connect(context.Background(), newServer(t, "echo"), testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Session().Ping(context.Background()); !errors.Is(err, client.ErrSessionClosed) {
		t.Errorf("Ping after Close: got %v, want %v", err, client.ErrSessionClosed)
	}
}

func TestEchoCorrelation(t *testing.T) {
	ctx := context.Background()
	err := memory.WithConnectedSession(ctx, newServer(t, "echo"), testOptions(t), func(ctx context.Context, session *client.Session) error {
		const n = 16
		var group errgroup.Group
		for i := 0; i < n; i++ {
			i := i
			group.Go(func() error {
				want := map[string]any{"value": fmt.Sprintf("v%d", i)}
				var got map[string]any
				if err := session.SendRequest(ctx, "echo", want, &got); err != nil {
					return err
				}
				if diff := cmp.Diff(want, got); diff != "" {
					return fmt.Errorf("echo %d (-want +got):\n%s", i, diff)
				}
				return nil
			})
		}
		return group.Wait()
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUnknownMethod(t *testing.T) {
	ctx := context.Background()
	err := memory.WithConnectedSession(ctx, newServer(t, "echo"), testOptions(t), func(ctx context.Context, session *client.Session) error {
		err := session.SendRequest(ctx, "missing", nil, nil)
		if !errors.Is(err, &protocol.Error{Code: protocol.MethodNotFound}) {
			return fmt.Errorf("got %v, want method not found", err)
		}
		// The session survives the error.
		return session.Ping(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReadTimeout(t *testing.T) {
	// A server that never answers.
	stalled := funcServer(func(ctx context.Context, _ *stream.Receiver[protocol.Envelope], _ *stream.Sender[protocol.Envelope]) error {
		<-ctx.Done()
		return ctx.Err()
	})
	opts := testOptions(t)
	opts.ReadTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := memory.Connect(context.Background(), stalled, opts)
	if !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("got %v, want %v", err, client.ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect took %v, want about %v", elapsed, opts.ReadTimeout)
	}
}

func TestHandshakeCancelled(t *testing.T) {
	stalled := funcServer(func(ctx context.Context, _ *stream.Receiver[protocol.Envelope], _ *stream.Sender[protocol.Envelope]) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := memory.Connect(ctx, stalled, testOptions(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestCarriedErrorFailsHandshake(t *testing.T) {
	broken := errors.New("undecodable frame")
	srv := funcServer(func(ctx context.Context, read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope]) error {
		if _, err := read.Receive(ctx); err != nil {
			return err
		}
		if err := write.Send(ctx, protocol.Fail(broken)); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := memory.Connect(context.Background(), srv, testOptions(t))
	if !errors.Is(err, client.ErrTransport) || !errors.Is(err, broken) {
		t.Fatalf("got %v, want %v wrapping %v", err, client.ErrTransport, broken)
	}
}

func TestServerExitFailsHandshake(t *testing.T) {
	srv := funcServer(func(_ context.Context, _ *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope]) error {
		return write.Close()
	})
	_, err := memory.Connect(context.Background(), srv, testOptions(t))
	if !errors.Is(err, client.ErrConnectionClosed) {
		t.Fatalf("got %v, want %v", err, client.ErrConnectionClosed)
	}
}

func TestRaiseExceptions(t *testing.T) {
	boom := errors.New("boom")
	srv := newServer(t, "raise")
	srv.HandleRequest("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, boom
	})

	for _, raise := range []bool{false, true} {
		t.Run(fmt.Sprint(raise), func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions(t)
			opts.RaiseExceptions = raise
			conn, err := memory.Connect(ctx, srv, opts)
			if err != nil {
				t.Fatal(err)
			}
			callErr := conn.Session().SendRequest(ctx, "fail", nil, nil)
			closeErr := conn.Close()

			if !raise {
				// The error is reported to the client.
				if !errors.Is(callErr, &protocol.Error{Code: protocol.InternalError, Message: "boom"}) {
					t.Errorf("call: got %v, want internal error", callErr)
				}
				if closeErr != nil {
					t.Errorf("Close: %v", closeErr)
				}
				return
			}
			// The server stops and the error surfaces from Close.
			if !errors.Is(callErr, client.ErrConnectionClosed) {
				t.Errorf("call: got %v, want %v", callErr, client.ErrConnectionClosed)
			}
			if !errors.Is(closeErr, boom) {
				t.Errorf("Close: got %v, want %v", closeErr, boom)
			}
		})
	}
}

func TestWithConnectedSessionErrorPrecedence(t *testing.T) {
	bodyErr := errors.New("body")
	srv := newServer(t, "echo")
	srv.HandleRequest("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("server")
	})
	opts := testOptions(t)
	opts.RaiseExceptions = true
	err := memory.WithConnectedSession(context.Background(), srv, opts, func(ctx context.Context, session *client.Session) error {
		session.SendRequest(ctx, "fail", nil, nil)
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("got %v, want %v", err, bodyErr)
	}
}

func TestWithConnectedSessionClosesOnPanic(t *testing.T) {
	var session *client.Session
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		memory.WithConnectedSession(context.Background(), newServer(t, "echo"), testOptions(t), func(_ context.Context, s *client.Session) error {
			session = s
			panic("boom")
		})
	}()
	if err := session.Ping(context.Background()); !errors.Is(err, client.ErrSessionClosed) {
		t.Errorf("Ping after panic: got %v, want %v", err, client.ErrSessionClosed)
	}
}

func TestIsolation(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	seen := map[string]string{} // server session id -> server name
	newTracking := func(name string) *server.Server {
		srv := newServer(t, name)
		srv.HandleRequest("whoami", func(ctx context.Context, _ json.RawMessage) (any, error) {
			id := server.SessionFromContext(ctx).ID()
			mu.Lock()
			defer mu.Unlock()
			seen[id] = name
			return map[string]string{"session": id}, nil
		})
		return srv
	}

	a, err := memory.Connect(ctx, newTracking("a"), testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := memory.Connect(ctx, newTracking("b"), testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if got, want := a.Session().ServerInfo().Name, "a"; got != want {
		t.Errorf("a: server name = %q, want %q", got, want)
	}
	if got, want := b.Session().ServerInfo().Name, "b"; got != want {
		t.Errorf("b: server name = %q, want %q", got, want)
	}

	var ra, rb map[string]string
	if err := a.Session().SendRequest(ctx, "whoami", nil, &ra); err != nil {
		t.Fatal(err)
	}
	if err := b.Session().SendRequest(ctx, "whoami", nil, &rb); err != nil {
		t.Fatal(err)
	}
	if ra["session"] == rb["session"] {
		t.Errorf("both connections served by session %q", ra["session"])
	}
	if seen[ra["session"]] != "a" || seen[rb["session"]] != "b" {
		t.Errorf("requests crossed connections: %v", seen)
	}

	// Closing one connection leaves the other usable.
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Session().Ping(ctx); err != nil {
		t.Fatalf("Ping b after closing a: %v", err)
	}
}

func TestTools(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, "tools")
	srv.AddTool(protocol.Tool{Name: "upper", Description: "Uppercases text."}, func(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
		text, _ := args["text"].(string)
		return &protocol.CallToolResult{Content: []protocol.TextContent{protocol.NewTextContent(strings.ToUpper(text))}}, nil
	})
	err := memory.WithConnectedSession(ctx, srv, testOptions(t), func(ctx context.Context, session *client.Session) error {
		if session.ServerCapabilities().Tools == nil {
			return errors.New("tools capability not advertised")
		}
		tools, err := session.ListTools(ctx)
		if err != nil {
			return err
		}
		if len(tools.Tools) != 1 || tools.Tools[0].Name != "upper" {
			return fmt.Errorf("ListTools = %+v", tools.Tools)
		}
		result, err := session.CallTool(ctx, "upper", map[string]any{"text": "hi"})
		if err != nil {
			return err
		}
		want := []protocol.TextContent{protocol.NewTextContent("HI")}
		if diff := cmp.Diff(want, result.Content); diff != "" {
			return fmt.Errorf("CallTool (-want +got):\n%s", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// recordingServer is a server that remembers the context and streams it was
// run with.
type recordingServer struct {
	*server.Server

	mu    sync.Mutex
	ctx   context.Context
	read  *stream.Receiver[protocol.Envelope]
	write *stream.Sender[protocol.Envelope]
}

func (r *recordingServer) Run(ctx context.Context, read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope], opts server.InitializationOptions, raiseErrors bool) error {
	r.mu.Lock()
	r.ctx, r.read, r.write = ctx, read, write
	r.mu.Unlock()
	return r.Server.Run(ctx, read, write, opts, raiseErrors)
}

// checkReleased checks that the server's context was cancelled and that both
// of its endpoints are closed.
func (r *recordingServer) checkReleased(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		t.Fatal("server never run")
	}
	select {
	case <-r.ctx.Done():
	default:
		t.Error("server context not cancelled")
	}
	if _, err := r.read.Receive(context.Background()); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("server Receive: got %v, want %v", err, stream.ErrClosed)
	}
	if err := r.write.Send(context.Background(), protocol.Wrap(notification(t, 0))); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("server Send: got %v, want %v", err, stream.ErrClosed)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	ctx := context.Background()
	srv := &recordingServer{Server: newServer(t, "echo")}
	conn, err := memory.Connect(ctx, srv, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Session().Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	srv.checkReleased(t)
	if err := conn.Session().Ping(ctx); !errors.Is(err, client.ErrSessionClosed) {
		t.Errorf("Ping after Close: got %v, want %v", err, client.ErrSessionClosed)
	}
}

func TestWithConnectedSessionReleasesEverything(t *testing.T) {
	bodyErr := errors.New("body")
	srv := &recordingServer{Server: newServer(t, "echo")}
	var session *client.Session
	err := memory.WithConnectedSession(context.Background(), srv, testOptions(t), func(ctx context.Context, s *client.Session) error {
		session = s
		if err := s.Ping(ctx); err != nil {
			return err
		}
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("got %v, want %v", err, bodyErr)
	}
	srv.checkReleased(t)
	if err := session.Ping(context.Background()); !errors.Is(err, client.ErrSessionClosed) {
		t.Errorf("Ping after scope: got %v, want %v", err, client.ErrSessionClosed)
	}
}

func TestClientCapabilities(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, "caps")
	srv.HandleRequest("caps", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return server.SessionFromContext(ctx).ClientInfo().Capabilities, nil
	})
	want := protocol.ClientCapabilities{Roots: &protocol.RootsCapability{ListChanged: true}}
	opts := testOptions(t)
	opts.Capabilities = want
	err := memory.WithConnectedSession(ctx, srv, opts, func(ctx context.Context, session *client.Session) error {
		var got protocol.ClientCapabilities
		if err := session.SendRequest(ctx, "caps", nil, &got); err != nil {
			return err
		}
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Errorf("capabilities (-want +got):\n%s", diff)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
