package llmclient

import (
	"bufio"
	"bytes"
	"io"
)

// MaxLineSize bounds a single stream line. Vendors occasionally emit large
// tool-call deltas on one line.
const MaxLineSize = 8 << 20

// Framing is how a streaming body delimits events.
type Framing int

const (
	// FramingSSE is Server-Sent Events: "data: {...}" lines, "[DONE]" sentinel.
	FramingSSE Framing = iota
	// FramingNDJSON is one bare JSON object per line.
	FramingNDJSON
)

// Line is one payload extracted from a stream.
type Line struct {
	// Event is the SSE event name, if one preceded the data line
	Event string
	Data  []byte
	// Done is set for the SSE "[DONE]" sentinel
	Done bool
}

// LineReader yields payloads from a streaming body in arrival order.
type LineReader struct {
	scanner *bufio.Scanner
	framing Framing
	event   string
}

// NewLineReader wraps body with the given framing.
func NewLineReader(body io.Reader, framing Framing) *LineReader {
	s := bufio.NewScanner(body)
	s.Buffer(make([]byte, 0, 64<<10), MaxLineSize)
	return &LineReader{scanner: s, framing: framing}
}

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	doneMarker  = []byte("[DONE]")
)

// Next returns the next payload. It returns io.EOF when the body ends
// cleanly; the caller decides whether an unterminated stream is complete.
func (r *LineReader) Next() (Line, error) {
	for r.scanner.Scan() {
		raw := bytes.TrimSpace(r.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		if r.framing == FramingNDJSON {
			// tolerate servers that frame NDJSON as SSE
			raw = bytes.TrimSpace(bytes.TrimPrefix(raw, dataPrefix))
			return Line{Data: bytes.Clone(raw)}, nil
		}

		switch {
		case bytes.HasPrefix(raw, eventPrefix):
			r.event = string(bytes.TrimSpace(raw[len(eventPrefix):]))
			continue
		case bytes.HasPrefix(raw, dataPrefix):
			data := bytes.TrimSpace(raw[len(dataPrefix):])
			event := r.event
			r.event = ""
			if bytes.Equal(data, doneMarker) {
				return Line{Event: event, Done: true}, nil
			}
			return Line{Event: event, Data: bytes.Clone(data)}, nil
		case raw[0] == ':':
			// SSE comment / keep-alive
			continue
		case raw[0] == '{':
			// some OpenAI-compatible servers drop the data prefix
			return Line{Data: bytes.Clone(raw)}, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Line{}, err
	}
	return Line{}, io.EOF
}
