// Package sse reads Server-Sent Events frames from a streaming HTTP body.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineBytes = 1024 * 1024

// Event is one dispatched SSE frame.
type Event struct {
	Type string // value of the last "event:" line, empty if none
	Data string // "data:" lines joined with "\n"
}

// Reader yields events from an SSE stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{scanner: s}
}

// Next returns the next event. It returns io.EOF once the stream ends
// cleanly; a trailing event without a blank line is still delivered.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev.Type = ""
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
