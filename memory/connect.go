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

package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ServiceWeaver/mcp/client"
	"github.com/ServiceWeaver/mcp/protocol"
	"github.com/ServiceWeaver/mcp/server"
	"github.com/ServiceWeaver/mcp/stream"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Server is the server side of a connection. *server.Server implements it.
type Server interface {
	// CreateInitializationOptions returns the options to pass to Run.
	CreateInitializationOptions() server.InitializationOptions

	// Run serves a single client until ctx is cancelled or the client closes
	// its stream. See server.Server.Run.
	Run(ctx context.Context, read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope], opts server.InitializationOptions, raiseErrors bool) error
}

var _ Server = &server.Server{}

// Options configure Connect.
type Options struct {
	// If positive, every client request (including the initialization
	// handshake) fails if the server does not respond within ReadTimeout.
	ReadTimeout time.Duration

	// If true, errors returned by server handlers stop the server and are
	// returned by Connection.Close, instead of being sent to the client as
	// error responses.
	RaiseExceptions bool

	// Client options. See client.Options.
	Logger              *slog.Logger
	Tracer              trace.Tracer
	ClientInfo          protocol.Implementation
	Capabilities        protocol.ClientCapabilities
	NotificationHandler func(context.Context, *protocol.JSONRPCMessage)
}

// Connection is a client session connected to a server running in a
// background goroutine.
type Connection struct {
	session *client.Session
	cancel  context.CancelFunc // cancels the server task
	group   *errgroup.Group    // runs the server task
	release func()             // releases the streams

	once     sync.Once
	closeErr error
}

// Connect starts srv in a background goroutine and returns a client session
// connected to it. The session has completed the initialization handshake.
//
// ctx bounds the handshake only; the server keeps running until the
// connection is closed. If the handshake fails, Connect stops the server,
// releases the streams and returns the error.
func Connect(ctx context.Context, srv Server, opts Options) (*Connection, error) {
	clientStreams, serverStreams, release := CreateClientServerMemoryStreams()

	// Note: the server task must not inherit ctx's cancellation, since it
	// outlives the call to Connect.
	serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, serverCtx := errgroup.WithContext(serverCtx)
	initOpts := srv.CreateInitializationOptions()
	group.Go(func() error {
		return srv.Run(serverCtx, serverStreams.Read, serverStreams.Write, initOpts, opts.RaiseExceptions)
	})

	session := client.NewSession(clientStreams.Read, clientStreams.Write, client.Options{
		Logger:              opts.Logger,
		Tracer:              opts.Tracer,
		ReadTimeout:         opts.ReadTimeout,
		ClientInfo:          opts.ClientInfo,
		Capabilities:        opts.Capabilities,
		NotificationHandler: opts.NotificationHandler,
	})
	session.Start()

	conn := &Connection{
		session: session,
		cancel:  cancel,
		group:   group,
		release: release,
	}
	if _, err := session.Initialize(ctx); err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	return conn, nil
}

// Session returns the connected client session.
func (c *Connection) Session() *client.Session {
	return c.session
}

// Close closes the client session, cancels the server and releases the
// streams. It waits for the server to return, and returns the server's error
// unless the server merely observed the cancellation. Close can be called
// more than once.
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.session.Close()
		c.cancel()
		c.release()
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// WithConnectedSession connects srv as Connect does and calls fn with the
// session. The connection is closed when fn returns or panics. The error
// returned by fn takes precedence over an error returned by Close.
func WithConnectedSession(ctx context.Context, srv Server, opts Options, fn func(context.Context, *client.Session) error) (err error) {
	conn, err := Connect(ctx, srv, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, conn.Session())
}
