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

import (
	"encoding/json"
	"slices"
)

// LatestProtocolVersion is the MCP revision implemented by this module.
const LatestProtocolVersion = "2024-11-05"

// SupportedProtocolVersions lists every revision a peer may negotiate, newest
// first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2024-10-07"}

// IsSupportedVersion reports whether v is one of SupportedProtocolVersions.
func IsSupportedVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// Method names.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodListTools             = "tools/list"
	MethodCallTool              = "tools/call"
	NotificationInitialized     = "notifications/initialized"
	NotificationCancelled       = "notifications/cancelled"
	NotificationLoggingMessage  = "notifications/message"
	NotificationToolListChanged = "notifications/tools/list_changed"
)

// Implementation names a client or server implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities are the optional features a client supports.
type ClientCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Roots        *RootsCapability           `json:"roots,omitempty"`
	Sampling     *struct{}                  `json:"sampling,omitempty"`
}

// RootsCapability describes client support for filesystem roots.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities are the optional features a server supports.
type ServerCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Logging      *struct{}                  `json:"logging,omitempty"`
	Prompts      *ListChangedCapability     `json:"prompts,omitempty"`
	Resources    *ResourcesCapability       `json:"resources,omitempty"`
	Tools        *ListChangedCapability     `json:"tools,omitempty"`
}

// ListChangedCapability is shared by capabilities whose item list can change.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes server support for resources.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams are sent by the client in the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's answer to the initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// CancelledParams are the params of a cancellation notification.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// LoggingMessageParams are the params of a server log notification.
type LoggingMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Tool describes a tool offered by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// TextContent is a piece of text returned by a tool.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextContent returns a TextContent with its type set.
func NewTextContent(text string) TextContent {
	return TextContent{Type: "text", Text: text}
}

// CallToolResult is the result of tools/call. Tool failures are reported with
// IsError set rather than as a JSON-RPC error.
type CallToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}
