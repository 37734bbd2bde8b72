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

// Package memory connects an MCP client and server inside a single process,
// using in-memory streams instead of a network transport. It is meant for
// tests: a server can be exercised through a real client session without
// any sockets or subprocesses.
//
// CreateClientServerMemoryStreams builds the streams. Connect also starts the
// server and returns an initialized client session:
//
//	conn, err := memory.Connect(ctx, srv, memory.Options{})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//	tools, err := conn.Session().ListTools(ctx)
package memory

import (
	"context"
	"sync"

	"github.com/ServiceWeaver/mcp/protocol"
	"github.com/ServiceWeaver/mcp/stream"
)

// bufferSize is the number of messages that can be in flight in each
// direction before the writer blocks.
const bufferSize = 1

// Streams is one side's view of a duplex in-memory link: the stream it reads
// from and the stream it writes to.
type Streams struct {
	Read  *stream.Receiver[protocol.Envelope]
	Write *stream.Sender[protocol.Envelope]
}

// CreateClientServerMemoryStreams returns the two sides of a duplex in-memory
// link. Messages written to client.Write are read from server.Read, and
// messages written to server.Write are read from client.Read.
//
// release closes all four endpoints. It must be called once the link is no
// longer needed; calling it more than once is harmless.
func CreateClientServerMemoryStreams() (client, server Streams, release func()) {
	serverToClientSend, serverToClientReceive := stream.New[protocol.Envelope](bufferSize)
	clientToServerSend, clientToServerReceive := stream.New[protocol.Envelope](bufferSize)

	client = Streams{Read: serverToClientReceive, Write: clientToServerSend}
	server = Streams{Read: clientToServerReceive, Write: serverToClientSend}

	var once sync.Once
	release = func() {
		once.Do(func() {
			serverToClientReceive.Close()
			clientToServerSend.Close()
			clientToServerReceive.Close()
			serverToClientSend.Close()
		})
	}
	return client, server, release
}

// WithClientServerMemoryStreams calls fn with the two sides of a fresh duplex
// in-memory link. The link is released when fn returns or panics.
func WithClientServerMemoryStreams(ctx context.Context, fn func(ctx context.Context, client, server Streams) error) error {
	client, server, release := CreateClientServerMemoryStreams()
	defer release()
	return fn(ctx, client, server)
}
