package sse

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const readChunkSize = 4096

// Decoder pulls frames from a reader
type Decoder struct {
	r       io.Reader
	p       *Parser
	pending []Event
	buf     []byte
	eof     bool
}

// NewDecoder wraps r with a lenient parser
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, p: NewLenientParser(), buf: make([]byte, readChunkSize)}
}

// Next returns the next frame. It returns io.EOF after the [DONE] frame or at
// the end of the input.
func (d *Decoder) Next() (Event, error) {
	for len(d.pending) == 0 {
		if d.p.Done() || d.eof {
			return Event{}, io.EOF
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			events, perr := d.p.Feed(d.buf[:n])
			d.pending = append(d.pending, events...)
			if perr != nil {
				return Event{}, perr
			}
		}
		if errors.Is(err, io.EOF) {
			d.eof = true
			if ev, ok := d.p.Flush(); ok {
				d.pending = append(d.pending, ev)
			}
		} else if err != nil {
			return Event{}, err
		}
	}

	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

// ChatChunk is the subset of a streamed chat completion chunk we read
type ChatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// DeltaContent extracts the text delta from a chat completion frame.
// Frames that are not chat chunks yield an empty string.
func DeltaContent(data string) (string, error) {
	var chunk ChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// CollectContent reads a chat completion stream to the end and returns the
// concatenated text.
func CollectContent(r io.Reader) (string, error) {
	dec := NewDecoder(r)
	var out strings.Builder
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		if ev.Done {
			continue
		}
		text, err := DeltaContent(ev.Data)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(text)
	}
}
