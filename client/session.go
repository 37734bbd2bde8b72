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

// Package client implements the client side of an MCP session.
package client

// # Overview
//
// A Session is bound to a pair of in-memory streams: it writes requests and
// notifications to one and reads the server's messages from the other. Start
// launches a readResponses goroutine that reads every message from the
// server.
//
// To issue a request, the session assigns it the next integer id and
// registers a call in a map keyed by that id. It then writes the request and
// waits for the call to be marked as done. When a response arrives,
// readResponses finds the matching call, records the result or error, and
// wakes up the waiting goroutine.
//
// Calls end early when the caller's context is done, when the read timeout
// expires, when the server closes its stream, or when the transport delivers
// an error in place of a message.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ServiceWeaver/mcp/internal/logging"
	"github.com/ServiceWeaver/mcp/protocol"
	"github.com/ServiceWeaver/mcp/stream"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSessionClosed is returned by calls on a closed session, and by
	// calls that were in flight when the session was closed.
	ErrSessionClosed = errors.New("client: session closed")

	// ErrConnectionClosed is returned by calls that were in flight when the
	// server closed its stream, and by calls made afterwards.
	ErrConnectionClosed = errors.New("client: connection closed by server")

	// ErrTimeout is returned by a request that got no response within the
	// session's read timeout.
	ErrTimeout = errors.New("client: request timed out")

	// ErrTransport wraps an error delivered by the transport in place of a
	// message, or a response that could not be decoded.
	ErrTransport = errors.New("client: transport error")

	// ErrUnsupportedVersion is returned by Initialize if the server picked a
	// protocol version the client does not support.
	ErrUnsupportedVersion = errors.New("client: unsupported protocol version")
)

// The number of abandoned request ids a session remembers.
const abandonedCacheSize = 128

// Session is an MCP client session.
type Session struct {
	opts   Options
	id     string
	logger *slog.Logger
	read   *stream.Receiver[protocol.Envelope]
	write  *stream.Sender[protocol.Envelope]

	// ctx is cancelled by Close. It bounds the reader goroutine.
	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}

	// lastNotification is closed once the previously received notification
	// has been handled. Only accessed by the reader goroutine.
	lastNotification chan struct{}

	// abandoned holds the ids of calls that timed out, were cancelled or were
	// failed by a transport error, so that their late responses can be told apart from bogus ones.
	abandoned *lru.Cache[protocol.RequestID, struct{}]

	mu      sync.Mutex // guards the following fields
	started bool
	closed  bool
	ended   error                       // non-nil once the server closed its stream
	calls   map[protocol.RequestID]*call // in-progress calls
	lastID  int64                        // last assigned request id
	result  *protocol.InitializeResult   // set by Initialize
}

// call holds the state for an active call.
type call struct {
	id         protocol.RequestID
	doneSignal chan struct{}

	// Written before doneSignal is closed and read after, so access is never
	// concurrent.
	response *protocol.JSONRPCMessage
	err      error
}

// NewSession returns a session that reads the server's messages from read and
// writes its own messages to write. Call Start before issuing requests, and
// Close when done.
func NewSession(read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope], opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.New().String()
	abandoned, err := lru.New[protocol.RequestID, struct{}](abandonedCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan struct{})
	close(handled)
	return &Session{
		opts:       opts,
		id:         id,
		logger:     opts.Logger.With(logging.ComponentKey, "client", logging.SessionKey, id),
		read:       read,
		write:      write,
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		abandoned:  abandoned,
		calls:      map[protocol.RequestID]*call{},

		lastNotification: handled,
	}
}

// ID returns a unique id for the session.
func (s *Session) ID() string { return s.id }

// Start launches the goroutine that reads messages from the server. Calling
// Start more than once, or after Close, has no effect.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.readResponses()
}

// Close closes both streams, fails pending calls with ErrSessionClosed and
// waits for the reader goroutine to exit. Close can be called more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.endCalls(ErrSessionClosed)
	s.mu.Unlock()

	s.cancel()
	s.write.Close()
	s.read.Close()
	if started {
		<-s.readerDone
	}
	return nil
}

// Initialize performs the initialization handshake. It must be called once,
// before any other request.
func (s *Session) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	params := &protocol.InitializeParams{
		ProtocolVersion: protocol.LatestProtocolVersion,
		Capabilities:    s.opts.Capabilities,
		ClientInfo:      s.opts.ClientInfo,
	}
	var result protocol.InitializeResult
	if err := s.SendRequest(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if !protocol.IsSupportedVersion(result.ProtocolVersion) {
		return nil, fmt.Errorf("initialize: %w %q", ErrUnsupportedVersion, result.ProtocolVersion)
	}
	if err := s.SendNotification(ctx, protocol.NotificationInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	s.mu.Lock()
	s.result = &result
	s.mu.Unlock()
	s.logger.Debug("initialized", "server", result.ServerInfo.Name, "version", result.ProtocolVersion)
	return &result, nil
}

// Initialized reports whether Initialize has completed successfully.
func (s *Session) Initialized() bool {
	return s.InitializeResult() != nil
}

// InitializeResult returns the server's answer to the handshake, or nil if
// the session is not initialized.
func (s *Session) InitializeResult() *protocol.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// ServerInfo returns the server's implementation info. It is empty before
// initialization.
func (s *Session) ServerInfo() protocol.Implementation {
	if r := s.InitializeResult(); r != nil {
		return r.ServerInfo
	}
	return protocol.Implementation{}
}

// ProtocolVersion returns the negotiated protocol version, or "" before
// initialization.
func (s *Session) ProtocolVersion() string {
	if r := s.InitializeResult(); r != nil {
		return r.ProtocolVersion
	}
	return ""
}

// ServerCapabilities returns the capabilities advertised by the server. They
// are empty before initialization.
func (s *Session) ServerCapabilities() protocol.ServerCapabilities {
	if r := s.InitializeResult(); r != nil {
		return r.Capabilities
	}
	return protocol.ServerCapabilities{}
}

// SendRequest sends a request and waits for its response, which is decoded
// into result (unless result is nil). If the server answers with an error,
// SendRequest returns it as a *protocol.Error.
func (s *Session) SendRequest(ctx context.Context, method string, params, result any) error {
	rpc, err := s.startCall()
	if err != nil {
		return err
	}

	ctx, span := s.opts.Tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("mcp.request_id", rpc.id.String())))
	defer span.End()

	resp, err := s.roundTrip(ctx, rpc, method, params)
	if err == nil && result != nil {
		if uerr := resp.UnmarshalResult(result); uerr != nil {
			err = fmt.Errorf("%w: decode %s result: %v", ErrTransport, method, uerr)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Session) roundTrip(ctx context.Context, rpc *call, method string, params any) (*protocol.JSONRPCMessage, error) {
	req, err := protocol.NewRequest(rpc.id, method, params)
	if err != nil {
		s.endCall(rpc)
		return nil, err
	}

	parent := ctx
	if s.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ReadTimeout)
		defer cancel()
	}
	timeoutErr := func() error {
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s got no response within %v", ErrTimeout, req, s.opts.ReadTimeout)
		}
		return ctx.Err()
	}

	if err := s.send(ctx, req); err != nil {
		s.endCall(rpc)
		if ctx.Err() != nil {
			return nil, timeoutErr()
		}
		return nil, err
	}

	select {
	case <-rpc.doneSignal:
		return rpc.response, rpc.err
	case <-ctx.Done():
		s.abandoned.Add(rpc.id, struct{}{})
		s.endCall(rpc)
		return nil, timeoutErr()
	}
}

// SendNotification sends a notification to the server.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	return s.SendRequest(ctx, protocol.MethodPing, nil, nil)
}

// ListTools returns the tools offered by the server.
func (s *Session) ListTools(ctx context.Context) (*protocol.ListToolsResult, error) {
	var result protocol.ListToolsResult
	if err := s.SendRequest(ctx, protocol.MethodListTools, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool runs a tool on the server.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.CallToolResult, error) {
	var result protocol.CallToolResult
	params := &protocol.CallToolParams{Name: name, Arguments: args}
	if err := s.SendRequest(ctx, protocol.MethodCallTool, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// send writes msg to the server.
func (s *Session) send(ctx context.Context, msg *protocol.JSONRPCMessage) error {
	err := s.write.Send(ctx, protocol.Wrap(msg))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stream.ErrClosed):
		return fmt.Errorf("send %s: %w: %w", msg, ErrSessionClosed, err)
	case errors.Is(err, stream.ErrBrokenResource):
		return fmt.Errorf("send %s: %w: %w", msg, ErrConnectionClosed, err)
	default:
		return fmt.Errorf("send %s: %w", msg, err)
	}
}

// startCall registers a new in-progress call.
func (s *Session) startCall() (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.ended != nil {
		return nil, s.ended
	}
	s.lastID++
	rpc := &call{id: protocol.IntID(s.lastID), doneSignal: make(chan struct{})}
	s.calls[rpc.id] = rpc
	return rpc, nil
}

func (s *Session) endCall(rpc *call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, rpc.id)
}

func (s *Session) findAndEndCall(id protocol.RequestID) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	rpc := s.calls[id]
	if rpc != nil {
		delete(s.calls, id)
	}
	return rpc
}

// endCalls ends every in-progress call with err.
//
// REQUIRES: s.mu is held.
func (s *Session) endCalls(err error) {
	for id, active := range s.calls {
		active.err = err
		close(active.doneSignal)
		delete(s.calls, id)
	}
}

// shutdown processes an error that ends the read side of the session.
//
// REQUIRES: s.mu is not held.
func (s *Session) shutdown(details string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Close already ended every call.
		return
	}
	logging.LogError(s.logger, "shutdown: "+details, err)
	s.ended = err
	s.endCalls(err)
}

// readResponses runs on the reader goroutine, reading messages sent by the
// server.
func (s *Session) readResponses() {
	defer close(s.readerDone)
	for {
		env, err := s.read.Receive(s.ctx)
		if err != nil {
			if errors.Is(err, stream.ErrEndOfStream) {
				err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}
			s.shutdown("client read", err)
			return
		}

		msg, err := env.Unwrap()
		if err != nil {
			// The transport delivered an error instead of a message. Nobody
			// can tell which call it belonged to, so fail them all but keep
			// the session open.
			logging.LogError(s.logger, "client received error", err)
			s.mu.Lock()
			for id := range s.calls {
				s.abandoned.Add(id, struct{}{})
			}
			s.endCalls(fmt.Errorf("%w: %w", ErrTransport, err))
			s.mu.Unlock()
			continue
		}
		if err := msg.Validate(); err != nil {
			s.logger.Error("invalid message", "msg", msg, "err", err)
			if msg.ID != nil && msg.Method == "" {
				if rpc := s.findAndEndCall(*msg.ID); rpc != nil {
					rpc.err = fmt.Errorf("%w: malformed response: %v", ErrTransport, err)
					close(rpc.doneSignal)
				}
			}
			continue
		}

		switch msg.Kind() {
		case protocol.KindResponse, protocol.KindError:
			s.handleResponse(msg)
		case protocol.KindRequest:
			// Reply from a separate goroutine: the write may block until the
			// server reads, and the server may be blocked writing to us.
			go s.handleServerRequest(msg)
		case protocol.KindNotification:
			s.handleNotification(msg)
		}
	}
}

// handleNotification passes msg to the notification handler on a separate
// goroutine, so the handler may issue requests on the session. Handlers
// still run one at a time, in the order notifications arrived.
//
// REQUIRES: called by the reader goroutine.
func (s *Session) handleNotification(msg *protocol.JSONRPCMessage) {
	h := s.opts.NotificationHandler
	if h == nil {
		return
	}
	prev, done := s.lastNotification, make(chan struct{})
	s.lastNotification = done
	go func() {
		defer close(done)
		<-prev
		h(s.ctx, msg)
	}()
}

func (s *Session) handleResponse(msg *protocol.JSONRPCMessage) {
	if msg.ID == nil {
		s.logger.Error("server reported an error", "err", msg.Error)
		return
	}
	rpc := s.findAndEndCall(*msg.ID)
	if rpc == nil {
		if s.abandoned.Remove(*msg.ID) {
			s.logger.Debug("dropping late response", "id", msg.ID)
		} else {
			s.logger.Warn("dropping response to unknown request", "id", msg.ID)
		}
		return
	}
	if msg.Error != nil {
		rpc.err = msg.Error
	} else {
		rpc.response = msg
	}
	close(rpc.doneSignal)
}

// handleServerRequest answers a request sent by the server. Only ping is
// supported.
func (s *Session) handleServerRequest(req *protocol.JSONRPCMessage) {
	var resp *protocol.JSONRPCMessage
	if req.Method == protocol.MethodPing {
		resp, _ = protocol.NewResponse(*req.ID, nil)
	} else {
		resp = protocol.NewErrorResponse(*req.ID, protocol.Errorf(protocol.MethodNotFound, "method %q not found", req.Method))
	}
	if err := s.send(s.ctx, resp); err != nil {
		logging.LogError(s.logger, "client reply", err)
	}
}
