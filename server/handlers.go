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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/ServiceWeaver/mcp/protocol"
	"golang.org/x/exp/maps"
)

// RequestHandler handles a request and returns its result, which must be
// JSON-marshalable. A nil result is sent as an empty object.
//
// Returning a *protocol.Error sends that error to the client. Any other error
// is either sent as an internal error or, if the server is run with
// raiseErrors, aborts Run.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler handles a notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// ToolHandler runs a tool. A returned error is reported to the client as a
// tool result with IsError set, unless it is a *protocol.Error.
type ToolHandler func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error)

// HandleRequest registers a handler for the given request method, replacing
// any previously registered handler. The initialize and ping methods are
// handled by the server itself and cannot be overridden.
func (s *Server) HandleRequest(method string, h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[method] = h
}

// HandleNotification registers a handler for the given notification method.
func (s *Server) HandleNotification(method string, h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[method] = h
}

// AddTool registers a tool. The first registered tool installs the tools/list
// and tools/call handlers.
func (s *Server) AddTool(tool protocol.Tool, h ToolHandler) {
	if tool.InputSchema == nil {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.toolHandlers[tool.Name]; !ok {
		s.tools = append(s.tools, tool)
	} else {
		for i := range s.tools {
			if s.tools[i].Name == tool.Name {
				s.tools[i] = tool
			}
		}
	}
	s.toolHandlers[tool.Name] = h
	s.requests[protocol.MethodListTools] = s.listTools
	s.requests[protocol.MethodCallTool] = s.callTool
}

// Methods returns the sorted names of every request method the server
// answers.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods := maps.Keys(s.requests)
	methods = append(methods, protocol.MethodInitialize, protocol.MethodPing)
	sort.Strings(methods)
	return methods
}

func (s *Server) requestHandler(method string) RequestHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *Server) notificationHandler(method string) NotificationHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications[method]
}

func (s *Server) listTools(context.Context, json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]protocol.Tool, len(s.tools))
	copy(tools, s.tools)
	return &protocol.ListToolsResult{Tools: tools}, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "tools/call: %v", err)
	}
	s.mu.Lock()
	h, ok := s.toolHandlers[p.Name]
	s.mu.Unlock()
	if !ok {
		return nil, protocol.Errorf(protocol.InvalidParams, "unknown tool %q", p.Name)
	}
	result, err := h(ctx, p.Arguments)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return &protocol.CallToolResult{
			Content: []protocol.TextContent{protocol.NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}
	if result == nil {
		result = &protocol.CallToolResult{}
	}
	if result.Content == nil {
		result.Content = []protocol.TextContent{}
	}
	return result, nil
}

// errMethodNotFound returns the error sent for an unregistered method.
func errMethodNotFound(method string) error {
	return protocol.Errorf(protocol.MethodNotFound, "method %q not found", method)
}
