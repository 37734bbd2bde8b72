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
	"log/slog"

	"github.com/ServiceWeaver/mcp/internal/logging"
	"go.opentelemetry.io/otel/trace"
)

// Options configure a Server.
type Options struct {
	// Logger. Defaults to a logger that logs to stderr.
	Logger *slog.Logger

	// Tracer. Defaults to a tracer that discards spans.
	Tracer trace.Tracer

	// Instructions are returned to clients during initialization, as a hint
	// on how to use the server.
	Instructions string
}

// withDefaults returns a copy of the Options with zero values replaced with
// default values.
func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.StderrLogger(logging.Options{Component: "server"})
	}
	if o.Tracer == nil {
		o.Tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return o
}
