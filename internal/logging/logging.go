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

// Package logging contains the slog handlers used by MCP clients and servers.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ServiceWeaver/mcp/stream"
)

// Attribute keys that are lifted out of the attribute list and printed in
// dedicated columns.
const (
	ComponentKey = "component"
	SessionKey   = "session"
)

// Options configure the loggers returned by this package.
type Options struct {
	Component string       // e.g., "client" or "server"
	Session   string       // session id; shortened when printed
	Level     slog.Leveler // minimum level; defaults to slog.LevelInfo
}

// Entry is a single formatted log record.
type Entry struct {
	Time      time.Time
	Level     string
	Component string
	Session   string
	File      string
	Line      int // -1 if unknown
	Msg       string
	Attrs     []string // name, value pairs
}

// StderrLogger returns a logger that pretty prints entries to stderr.
func StderrLogger(opts Options) *slog.Logger {
	pp := NewPrettyPrinter(colorsEnabled())
	return slog.New(&handler{opts: opts, write: func(e *Entry) {
		fmt.Fprintln(os.Stderr, pp.Format(e))
	}})
}

// LogError logs err at a level that depends on how surprising it is. Errors
// that are part of an orderly shutdown (cancellation, end of stream, closed
// endpoints) are logged at Info; anything else is logged at Error.
func LogError(logger *slog.Logger, details string, err error) {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, stream.ErrEndOfStream) ||
		errors.Is(err, stream.ErrClosed) ||
		errors.Is(err, stream.ErrBrokenResource) {
		logger.Info(details, "err", err)
	} else {
		logger.Error(details, "err", err)
	}
}

// handler is an slog.Handler that turns records into Entries and hands them
// to write.
type handler struct {
	opts   Options
	attrs  []string // attributes added with WithAttrs
	prefix string   // group prefix, e.g., "a.b."
	write  func(*Entry)
}

var _ slog.Handler = &handler{}

// Enabled implements the slog.Handler interface.
func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements the slog.Handler interface.
func (h *handler) Handle(_ context.Context, rec slog.Record) error {
	entry := &Entry{
		Time:      rec.Time,
		Level:     strings.ToLower(rec.Level.String()),
		Component: h.opts.Component,
		Session:   h.opts.Session,
		Line:      -1,
		Msg:       rec.Message,
	}
	if rec.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{rec.PC})
		frame, _ := frames.Next()
		entry.File, entry.Line = frame.File, frame.Line
	}

	// Copy the attributes so that concurrent records logged through the same
	// handler never share a backing array.
	attrs := make([]string, len(h.attrs), len(h.attrs)+2*rec.NumAttrs())
	copy(attrs, h.attrs)
	rec.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})
	entry.Attrs = attrs
	h.write(entry)
	return nil
}

// WithAttrs implements the slog.Handler interface.
func (h *handler) WithAttrs(as []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]string, 0, len(h.attrs)+2*len(as))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range as {
		if h.prefix == "" {
			switch a.Key {
			case ComponentKey:
				clone.opts.Component = a.Value.Resolve().String()
				continue
			case SessionKey:
				clone.opts.Session = a.Value.Resolve().String()
				continue
			}
		}
		clone.attrs = appendAttr(clone.attrs, h.prefix, a)
	}
	return &clone
}

// WithGroup implements the slog.Handler interface.
func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// appendAttr appends the name, value pairs for a to dst. Group attributes are
// flattened using dotted names.
func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, p, ga)
		}
		return dst
	}
	return append(dst, prefix+a.Key, a.Value.String())
}
