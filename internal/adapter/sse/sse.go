// Package sse writes Server-Sent Events to an HTTP response, shared by
// every protocol adapter so none of them re-implement response framing.
package sse

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Writer writes named SSE events to an http.ResponseWriter, flushing after
// each one so streaming clients see deltas as they arrive.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// New wraps w for SSE writing. w need not implement http.Flusher; writes
// simply won't be flushed early if it doesn't.
func New(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// WriteHeaders sets the response headers streaming clients and
// intermediate proxies expect. Must be called before the first Write.
func (s *Writer) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

// Write encodes data as JSON and emits it as one SSE event of the given
// type, flushing immediately.
func (s *Writer) Write(eventType string, data interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteString("\ndata: ")

	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteData emits a bare "data: ..." SSE frame with no event name, the
// framing OpenAI's chat.completion.chunk stream uses.
func (s *Writer) WriteData(data interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("data: ")

	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
