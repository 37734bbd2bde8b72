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

// Package stream implements bounded in-memory object streams.
//
// A stream has exactly one sending endpoint and one receiving endpoint. Items
// are delivered in the order they were sent, each to exactly one Receive
// call. Once the buffer is full, Send blocks until the receiver catches up.
//
// Either endpoint can be closed independently:
//
//   - Closing the Sender lets the Receiver drain what is buffered, after which
//     Receive returns ErrEndOfStream.
//   - Closing the Receiver makes every current and future Send return
//     ErrBrokenResource.
//   - Using an endpoint after closing it returns ErrClosed.
package stream

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned when an endpoint is used after it was closed.
	ErrClosed = errors.New("stream: endpoint closed")

	// ErrBrokenResource is returned by Send when the receiving endpoint has
	// been closed.
	ErrBrokenResource = errors.New("stream: receiving endpoint closed")

	// ErrEndOfStream is returned by Receive once the sending endpoint has been
	// closed and every buffered item has been received.
	ErrEndOfStream = errors.New("stream: end of stream")
)

// state is shared by the two endpoints of a stream.
type state[T any] struct {
	items     chan T
	sendDone  chan struct{} // closed when the Sender is closed
	recvDone  chan struct{} // closed when the Receiver is closed
	closeSend sync.Once
	closeRecv sync.Once
}

// New returns the two endpoints of a stream that buffers up to capacity items.
// A capacity of zero (or less) yields an unbuffered stream where every Send
// waits for a matching Receive.
func New[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity < 0 {
		capacity = 0
	}
	s := &state[T]{
		items:    make(chan T, capacity),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	return &Sender[T]{s: s}, &Receiver[T]{s: s}
}

// Sender is the sending endpoint of a stream.
type Sender[T any] struct {
	s *state[T]
}

// Send places v at the back of the stream. It blocks while the buffer is full.
func (w *Sender[T]) Send(ctx context.Context, v T) error {
	// Check for closed endpoints first: select picks among ready cases at
	// random and would otherwise sometimes accept an item into the buffer of
	// a stream nobody can read anymore.
	if isDone(w.s.sendDone) {
		return ErrClosed
	}
	if isDone(w.s.recvDone) {
		return ErrBrokenResource
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case w.s.items <- v:
		return nil
	case <-w.s.sendDone:
		return ErrClosed
	case <-w.s.recvDone:
		return ErrBrokenResource
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the sending endpoint. It is safe to call Close more than once.
func (w *Sender[T]) Close() error {
	w.s.closeSend.Do(func() { close(w.s.sendDone) })
	return nil
}

// Len returns the number of buffered items.
func (w *Sender[T]) Len() int { return len(w.s.items) }

// Cap returns the capacity of the stream's buffer.
func (w *Sender[T]) Cap() int { return cap(w.s.items) }

// Receiver is the receiving endpoint of a stream.
type Receiver[T any] struct {
	s *state[T]
}

// Receive removes the item at the front of the stream and returns it. It
// blocks while the stream is empty.
func (r *Receiver[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	if isDone(r.s.recvDone) {
		return zero, ErrClosed
	}
	select {
	case v := <-r.s.items:
		return v, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	select {
	case v := <-r.s.items:
		return v, nil
	case <-r.s.sendDone:
		// The sender may have filled the buffer right before closing.
		select {
		case v := <-r.s.items:
			return v, nil
		default:
			return zero, ErrEndOfStream
		}
	case <-r.s.recvDone:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes the receiving endpoint, discarding any buffered items. It is
// safe to call Close more than once.
func (r *Receiver[T]) Close() error {
	r.s.closeRecv.Do(func() { close(r.s.recvDone) })
	return nil
}

// Len returns the number of buffered items.
func (r *Receiver[T]) Len() int { return len(r.s.items) }

// Cap returns the capacity of the stream's buffer.
func (r *Receiver[T]) Cap() int { return cap(r.s.items) }

func isDone(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
