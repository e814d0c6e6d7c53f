// Package sse reads and writes the line-delimited event stream used by the
// chat completion endpoints: frames of "data: <json>" terminated by a blank
// line, with "data: [DONE]" closing the stream.
package sse

import (
	"bytes"
	"errors"
	"strings"
)

// DoneMarker is the data payload that ends a stream
const DoneMarker = "[DONE]"

// maxLineSize bounds the buffered partial line
const maxLineSize = 1 << 20

// ErrLineTooLong is returned when a single line exceeds the buffer limit
var ErrLineTooLong = errors.New("sse: line too long")

// Event is one dispatched frame
type Event struct {
	Name string
	ID   string
	Data string
	Done bool
}

// Parser is an incremental decoder. Chunks may split lines, and even CRLF
// pairs, at any byte.
type Parser struct {
	buf     []byte
	skipLF  bool
	name    string
	id      string
	data    strings.Builder
	hasData bool
	done    bool
	lenient bool
}

// NewParser returns a parser that dispatches a frame on every blank line.
func NewParser() *Parser {
	return &Parser{}
}

// NewLenientParser returns a parser that also dispatches after each data line.
// Some upstreams separate frames with a single newline only.
func NewLenientParser() *Parser {
	return &Parser{lenient: true}
}

// Done reports whether the [DONE] marker has been seen
func (p *Parser) Done() bool {
	return p.done
}

// Feed consumes a chunk and returns the frames it completed. Data after
// [DONE] is ignored.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	var events []Event
	for len(chunk) > 0 && !p.done {
		if p.skipLF {
			p.skipLF = false
			if chunk[0] == '\n' {
				chunk = chunk[1:]
				continue
			}
		}

		i := bytes.IndexAny(chunk, "\r\n")
		if i < 0 {
			if len(p.buf)+len(chunk) > maxLineSize {
				return events, ErrLineTooLong
			}
			p.buf = append(p.buf, chunk...)
			break
		}

		var line []byte
		if len(p.buf) > 0 {
			p.buf = append(p.buf, chunk[:i]...)
			line = p.buf
		} else {
			line = chunk[:i]
		}
		if chunk[i] == '\r' {
			p.skipLF = true
		}
		chunk = chunk[i+1:]

		if ev, ok := p.processLine(string(line)); ok {
			events = append(events, ev)
		}
		p.buf = p.buf[:0]
	}
	return events, nil
}

// Flush dispatches a pending frame at end of input, as if a blank line followed
func (p *Parser) Flush() (Event, bool) {
	if p.done {
		return Event{}, false
	}
	if len(p.buf) > 0 {
		line := string(p.buf)
		p.buf = p.buf[:0]
		if ev, ok := p.processLine(line); ok {
			return ev, true
		}
	}
	return p.dispatch()
}

func (p *Parser) processLine(line string) (Event, bool) {
	if line == "" {
		return p.dispatch()
	}
	if line[0] == ':' {
		return Event{}, false
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "data":
		if p.hasData {
			p.data.WriteByte('\n')
		}
		p.data.WriteString(value)
		p.hasData = true
		if p.lenient {
			return p.dispatch()
		}
	case "event":
		p.name = value
	case "id":
		p.id = value
	}
	return Event{}, false
}

func (p *Parser) dispatch() (Event, bool) {
	if !p.hasData {
		p.name = ""
		return Event{}, false
	}
	ev := Event{Name: p.name, ID: p.id, Data: p.data.String()}
	p.name = ""
	p.data.Reset()
	p.hasData = false

	if strings.TrimSpace(ev.Data) == DoneMarker {
		ev.Done = true
		p.done = true
	}
	return ev, true
}
