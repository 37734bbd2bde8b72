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
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	dimColor       = color256(245) // dimmed text color (a light gray)
	errorColor     = color256(9)   // error color (a light red)
	attrNameColor  = color256(245)
	attrValueColor = color256(245)
)

// PrettyPrinter pretty prints log entries. You can safely use a PrettyPrinter
// from multiple goroutines.
type PrettyPrinter struct {
	colorize func(colorCode, string) string

	mu               sync.Mutex      // guards the following fields
	b                strings.Builder // used to format entries
	prev             *Entry          // previously printed entry
	componentPadding int
	sourcePadding    int // file:line padding
}

// NewPrettyPrinter returns a new PrettyPrinter. If color is true, the pretty
// printer colorizes its output using ANSI escape codes.
func NewPrettyPrinter(color bool) *PrettyPrinter {
	pp := &PrettyPrinter{
		colorize:         func(_ colorCode, s string) string { return s },
		componentPadding: 6,
		sourcePadding:    10,
	}
	if color {
		pp.colorize = func(code colorCode, s string) string {
			return fmt.Sprintf("%s%s%s", code, s, reset)
		}
	}
	return pp
}

// Format formats a log entry as a single line of human-readable text:
//
//	I0921 10:07:31.733831 client 076cb5f1 session.go:164] initialized server="echo"
//	I0921 10:07:31.759352 server 5d1e09aa server.go:155 ] serving methods=[ping tools/list]
//
// Parts that repeat the previous entry (the time prefix, the session, the
// file) are dimmed when color is enabled.
func (pp *PrettyPrinter) Format(e *Entry) string {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.b.Reset()

	sameComponent := pp.prev != nil && e.Component == pp.prev.Component
	sameSession := pp.prev != nil && e.Session == pp.prev.Session
	sameFile := pp.prev != nil && e.File == pp.prev.File

	// Abbreviated level and time. Errors are colored.
	level := " "
	if len(e.Level) > 0 {
		level = strings.ToUpper(e.Level[:1])
	}
	levelColor := reset
	if strings.ToLower(e.Level) == "error" {
		levelColor = errorColor
	}
	cur := e.Time
	if !sameComponent || !sameSession || pp.prev == nil {
		pp.b.WriteString(pp.colorize(levelColor, level))
		pp.b.WriteString(pp.colorize(levelColor, cur.Format("0102 15:04:05.000000")))
	} else {
		pp.b.WriteString(pp.colorize(dimColor, level))
		prev := pp.prev.Time
		switch {
		case cur.YearDay() != prev.YearDay() || cur.Year() != prev.Year():
			pp.b.WriteString(pp.colorize(levelColor, cur.Format("0102 15:04:05.000000")))
		case cur.Hour() != prev.Hour():
			pp.b.WriteString(pp.colorize(dimColor, cur.Format("0102")))
			pp.b.WriteString(pp.colorize(levelColor, cur.Format(" 15:04:05.000000")))
		case cur.Minute() != prev.Minute():
			pp.b.WriteString(pp.colorize(dimColor, cur.Format("0102 15:")))
			pp.b.WriteString(pp.colorize(levelColor, cur.Format("04:05.000000")))
		default:
			pp.b.WriteString(pp.colorize(dimColor, cur.Format("0102 15:04:")))
			pp.b.WriteString(pp.colorize(levelColor, cur.Format("05.000000")))
		}
	}
	pp.b.WriteByte(' ')

	// Component.
	c := e.Component
	if c == "" {
		c = "-"
	}
	if len(c) > pp.componentPadding {
		pp.componentPadding = len(c)
	}
	pp.b.WriteString(pp.colorize(colorHash(c), fmt.Sprintf("%*s", -pp.componentPadding, c)))

	// Session.
	if len(e.Session) > 0 {
		pp.b.WriteByte(' ')
		if sameSession {
			pp.b.WriteString(pp.colorize(dimColor, Shorten(e.Session)))
		} else {
			pp.b.WriteString(pp.colorize(colorHash(e.Session), Shorten(e.Session)))
		}
	}

	// File and line, if present.
	pp.b.WriteByte(' ')
	if e.File != "" && e.Line != -1 {
		s := fmt.Sprintf("%s:%d", filepath.Base(e.File), e.Line)
		if len(s) > pp.sourcePadding {
			pp.sourcePadding = len(s)
		}
		if sameFile {
			pp.b.WriteString(pp.colorize(dimColor, fmt.Sprintf("%*s", -pp.sourcePadding, s)))
		} else {
			fmt.Fprintf(&pp.b, "%*s", -pp.sourcePadding, s)
		}
	} else {
		fmt.Fprintf(&pp.b, "%*s", -pp.sourcePadding, "")
	}

	// Message.
	pp.b.WriteString("] ")
	pp.b.WriteString(pp.colorize(colorHash(c), e.Msg))

	// Attributes, sorted by name.
	if len(e.Attrs) > 0 {
		type attr struct{ name, value string }
		attrs := make([]attr, 0, len(e.Attrs)/2)
		for i := 0; i+1 < len(e.Attrs); i += 2 {
			attrs = append(attrs, attr{e.Attrs[i], e.Attrs[i+1]})
		}
		sort.SliceStable(attrs, func(i, j int) bool {
			return attrs[i].name < attrs[j].name
		})
		for _, attr := range attrs {
			pp.b.WriteString(" ")
			pp.b.WriteString(pp.colorize(attrNameColor, attr.name+"="))
			pp.b.WriteString(pp.colorize(attrValueColor, fmt.Sprintf("%q", attr.value)))
		}
	}

	prev := *e
	pp.prev = &prev
	return pp.b.String()
}

// Shorten returns a short prefix of the provided string.
func Shorten(s string) string {
	const n = 8
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
