package sse

import (
	"encoding/json"
	"io"
	"net/http"
)

// Writer emits frames to an HTTP response, flushing after each one
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the event-stream headers on w and returns a frame writer
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// WriteData writes one raw data frame
func (w *Writer) WriteData(data string) error {
	if _, err := io.WriteString(w.w, "data: "+data+"\n\n"); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteJSON writes v as one data frame
func (w *Writer) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteData(string(raw))
}

// Done writes the terminating frame
func (w *Writer) Done() error {
	return w.WriteData(DoneMarker)
}
