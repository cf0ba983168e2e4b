package streaming

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Event is one server-sent event frame.
type Event struct {
	Name string
	Data string
}

// Encode renders the frame in wire format, including the trailing blank line.
func (e Event) Encode() []byte {
	var b bytes.Buffer
	if e.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Name)
	}
	fmt.Fprintf(&b, "data: %s\n\n", e.Data)
	return b.Bytes()
}

// Scanner splits an SSE byte stream into frames. Comment lines and fields
// other than event/data are dropped; multi-line data fields are joined with
// newlines per the SSE spec.
type Scanner struct {
	r *bufio.Reader
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame, or io.EOF at stream end. A partial
// frame at EOF with accumulated data is returned before the EOF.
func (s *Scanner) Next() (Event, error) {
	var ev Event
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) == 0 && ev.Name == "" {
				continue // stray blank line between frames
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment, keep-alive ping
		}
	}
}

// Writer serializes frames to a flushing sink so each frame reaches the
// client without buffering delay.
type Writer struct {
	w io.Writer
	f flusher
}

type flusher interface{ Flush() }

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(flusher); ok {
		sw.f = f
	}
	return sw
}

func (w *Writer) Send(ev Event) error {
	if _, err := w.w.Write(ev.Encode()); err != nil {
		return err
	}
	if w.f != nil {
		w.f.Flush()
	}
	return nil
}
