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

// Package server implements the server side of an MCP session.
//
// A Server holds handlers for request and notification methods. Run serves a
// single client over a pair of in-memory streams: it reads messages from the
// client one at a time, runs the matching handler, and writes the response
// back. Because messages are handled sequentially, Run is the only writer on
// its send stream.
package server

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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Server is an MCP server. It can serve any number of sessions, each by a
// separate call to Run.
type Server struct {
	info protocol.Implementation
	opts Options

	mu            sync.Mutex // guards the following fields
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	tools         []protocol.Tool
	toolHandlers  map[string]ToolHandler
}

// InitializationOptions hold what a server reports to a client during the
// initialization handshake.
type InitializationOptions struct {
	ServerName    string
	ServerVersion string
	Capabilities  protocol.ServerCapabilities
	Instructions  string
}

// New returns a server that identifies itself as info.
func New(info protocol.Implementation, opts Options) *Server {
	return &Server{
		info:          info,
		opts:          opts.withDefaults(),
		requests:      map[string]RequestHandler{},
		notifications: map[string]NotificationHandler{},
		toolHandlers:  map[string]ToolHandler{},
	}
}

// CreateInitializationOptions returns the options Run should be passed. The
// capabilities are derived from the registered handlers.
func (s *Server) CreateInitializationOptions() InitializationOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	var caps protocol.ServerCapabilities
	if _, ok := s.requests[protocol.MethodListTools]; ok {
		caps.Tools = &protocol.ListChangedCapability{}
	}
	if _, ok := s.requests["prompts/list"]; ok {
		caps.Prompts = &protocol.ListChangedCapability{}
	}
	if _, ok := s.requests["resources/list"]; ok {
		caps.Resources = &protocol.ResourcesCapability{}
	}
	if _, ok := s.requests["logging/setLevel"]; ok {
		caps.Logging = &struct{}{}
	}
	return InitializationOptions{
		ServerName:    s.info.Name,
		ServerVersion: s.info.Version,
		Capabilities:  caps,
		Instructions:  s.opts.Instructions,
	}
}

// Run serves one client, reading its messages from read and writing replies
// to write. It returns nil when the client closes either stream, and
// ctx.Err() when ctx is cancelled. Run always closes write before
// returning, so the client observes the end of the stream.
//
// Errors returned by handlers are normally sent to the client as JSON-RPC
// error responses. If raiseErrors is true, a handler error that is not a
// *protocol.Error, or an error carried on the read stream, stops Run and is
// returned instead.
func (s *Server) Run(ctx context.Context, read *stream.Receiver[protocol.Envelope], write *stream.Sender[protocol.Envelope], opts InitializationOptions, raiseErrors bool) error {
	defer write.Close()

	id := uuid.New().String()
	session := &Session{
		server:      s,
		id:          id,
		opts:        opts,
		raiseErrors: raiseErrors,
		write:       write,
		logger:      s.opts.Logger.With(logging.ComponentKey, "server", logging.SessionKey, id),
	}
	session.logger.Debug("serving", "methods", s.Methods())
	ctx = context.WithValue(ctx, sessionKey{}, session)

	for {
		env, err := read.Receive(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrEndOfStream) {
				session.logger.Debug("client closed the stream")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("server read: %w", err)
		}
		if err := session.handle(ctx, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, stream.ErrBrokenResource) {
				session.logger.Debug("client stopped reading", "err", err)
				return nil
			}
			return err
		}
	}
}

// Session is the server side of a single client connection. Handlers can
// retrieve it with SessionFromContext.
type Session struct {
	server      *Server
	id          string
	opts        InitializationOptions
	raiseErrors bool
	write       *stream.Sender[protocol.Envelope]
	logger      *slog.Logger

	// Only accessed by the goroutine running Server.Run, or by handlers
	// called from it.
	client      *protocol.InitializeParams
	initialized bool
}

type sessionKey struct{}

// SessionFromContext returns the session serving the request that ctx was
// passed to, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// ID returns a unique id for the session.
func (s *Session) ID() string { return s.id }

// ClientInfo returns the client's initialize params, or nil if the client
// has not sent an initialize request yet.
func (s *Session) ClientInfo() *protocol.InitializeParams { return s.client }

// Initialized reports whether the client has completed the handshake.
func (s *Session) Initialized() bool { return s.initialized }

// Notify sends a notification to the client. It must only be called from a
// handler running on this session.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

func (s *Session) send(ctx context.Context, msg *protocol.JSONRPCMessage) error {
	if err := s.write.Send(ctx, protocol.Wrap(msg)); err != nil {
		return fmt.Errorf("server send %v: %w", msg, err)
	}
	return nil
}

// handle processes a single envelope read from the client. A non-nil error
// stops the session.
func (s *Session) handle(ctx context.Context, env protocol.Envelope) error {
	msg, err := env.Unwrap()
	if err != nil {
		if s.raiseErrors {
			return fmt.Errorf("server received error: %w", err)
		}
		logging.LogError(s.logger, "server received error", err)
		return nil
	}
	if err := msg.Validate(); err != nil {
		s.logger.Error("invalid message", "msg", msg, "err", err)
		if msg.ID != nil {
			return s.send(ctx, protocol.NewErrorResponse(*msg.ID, protocol.Errorf(protocol.InvalidRequest, "%v", err)))
		}
		return nil
	}

	switch msg.Kind() {
	case protocol.KindRequest:
		return s.handleRequest(ctx, msg)
	case protocol.KindNotification:
		return s.handleNotification(ctx, msg)
	default:
		// The server never issues requests, so there is nothing to match a
		// response against.
		s.logger.Info("dropping unexpected message", "msg", msg)
		return nil
	}
}

// handleRequest runs the handler for a request and sends the response.
func (s *Session) handleRequest(ctx context.Context, req *protocol.JSONRPCMessage) error {
	ctx, span := s.server.opts.Tracer.Start(ctx, req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("mcp.request_id", req.ID.String())))
	defer span.End()

	result, err := s.dispatch(ctx, req)
	var resp *protocol.JSONRPCMessage
	if err == nil {
		resp, err = protocol.NewResponse(*req.ID, result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var perr *protocol.Error
		if !errors.As(err, &perr) && s.raiseErrors {
			return fmt.Errorf("handle %s: %w", req, err)
		}
		s.logger.Debug("request failed", "method", req.Method, "err", err)
		resp = protocol.NewErrorResponse(*req.ID, protocol.AsError(err))
	}
	return s.send(ctx, resp)
}

func (s *Session) dispatch(ctx context.Context, req *protocol.JSONRPCMessage) (any, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		return s.initialize(req)
	case protocol.MethodPing:
		return struct{}{}, nil
	}
	h := s.server.requestHandler(req.Method)
	if h == nil {
		return nil, errMethodNotFound(req.Method)
	}
	return h(ctx, req.Params)
}

// initialize answers the client's initialize request. The client's protocol
// version is accepted if supported; otherwise the server proposes the latest
// version it supports and leaves it to the client to disconnect.
func (s *Session) initialize(req *protocol.JSONRPCMessage) (any, error) {
	var params protocol.InitializeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	version := params.ProtocolVersion
	if !protocol.IsSupportedVersion(version) {
		version = protocol.LatestProtocolVersion
	}
	s.client = &params
	s.logger.Debug("initialize", "client", params.ClientInfo.Name, "version", version)
	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.opts.Capabilities,
		ServerInfo: protocol.Implementation{
			Name:    s.opts.ServerName,
			Version: s.opts.ServerVersion,
		},
		Instructions: s.opts.Instructions,
	}, nil
}

func (s *Session) handleNotification(ctx context.Context, msg *protocol.JSONRPCMessage) error {
	switch msg.Method {
	case protocol.NotificationInitialized:
		s.initialized = true
	case protocol.NotificationCancelled:
		// Requests are handled one at a time, so by the time the
		// cancellation is read the request has already been answered.
		var p protocol.CancelledParams
		if err := msg.UnmarshalParams(&p); err == nil {
			s.logger.Debug("request cancelled", "id", p.RequestID, "reason", p.Reason)
		}
	}
	h := s.server.notificationHandler(msg.Method)
	if h == nil {
		return nil
	}
	if err := h(ctx, msg.Params); err != nil {
		if s.raiseErrors {
			return fmt.Errorf("handle %s: %w", msg, err)
		}
		s.logger.Error("notification handler failed", "method", msg.Method, "err", err)
	}
	return nil
}

