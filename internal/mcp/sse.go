package mcp

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// sseReader splits a text/event-stream body into events. It handles
// CRLF and LF line endings, comment lines, multi-line data fields, and
// events split across arbitrary read boundaries. An event still being
// assembled when the stream ends is discarded.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next event with data. It returns io.EOF when the
// stream ends.
func (s *sseReader) next() (*sseEvent, error) {
	var (
		ev      sseEvent
		data    []string
		hasData bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return &ev, nil
			}
			// An event without data is not dispatched.
			ev = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		}
	}
}
