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

package logging

import (
	"log/slog"
	"sync"
	"testing"
)

// NewTestSlogger returns a logger that writes through t.Log. If verbose is
// true, debug messages are logged as well.
//
// Goroutines often outlive the test that started them (e.g., a server loop
// that is still unwinding). Logging through t after the test has finished
// panics, so the returned logger silently drops entries from then on.
func NewTestSlogger(t testing.TB, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	pp := NewPrettyPrinter(false)

	var mu sync.Mutex
	finished := false
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		finished = true
	})

	return slog.New(&handler{
		opts: Options{Level: level},
		write: func(e *Entry) {
			mu.Lock()
			defer mu.Unlock()
			if finished {
				return
			}
			t.Log(pp.Format(e))
		},
	})
}
