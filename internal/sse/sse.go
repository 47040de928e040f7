// Package sse implements server-sent event framing: parsing frames off an
// upstream response body and writing frames to a client connection.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DoneMarker is the OpenAI end-of-stream sentinel payload.
const DoneMarker = "[DONE]"

// Frame is one SSE event: an optional event name and a data payload.
type Frame struct {
	Event string
	Data  []byte
}

// IsDone reports whether the frame carries the OpenAI [DONE] sentinel.
func (f Frame) IsDone() bool {
	return strings.TrimSpace(string(f.Data)) == DoneMarker
}

// Encode renders the frame in wire format, terminated by a blank line.
func (f Frame) Encode() []byte {
	var b strings.Builder
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteString("\n")
	}
	b.WriteString("data: ")
	b.Write(f.Data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// Reader parses SSE frames from a stream. It tolerates comment lines and
// multi-line data fields, joining them with newlines per the SSE spec.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r in an SSE frame parser. The buffer grows to accommodate
// large data lines such as base64 image payloads.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends cleanly and the underlying read error otherwise.
func (r *Reader) Next() (Frame, error) {
	var (
		frame    Frame
		dataSeen bool
		data     strings.Builder
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if dataSeen {
				frame.Data = []byte(data.String())
				return frame, nil
			}
			// Blank line with no accumulated data: keep scanning.
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment line
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if dataSeen {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			dataSeen = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if dataSeen {
		frame.Data = []byte(data.String())
		return frame, nil
	}
	return Frame{}, io.EOF
}

// MarshalErrorEvent encodes the Anthropic-style error event payload.
func MarshalErrorEvent(kind, message string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    kind,
			"message": message,
		},
	})
}

// WriteHeaders sets the standard SSE response headers. Must run before the
// first body write.
func WriteHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// WriteFrame writes one frame and flushes so the client sees it immediately.
func WriteFrame(w io.Writer, flusher http.Flusher, frame Frame) error {
	if _, err := w.Write(frame.Encode()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
