package logging

import (
	"bytes"
	"sync"
)

// LineWriter receives one formatted log line at a time.
type LineWriter interface {
	WriteLine(line string)
}

// LineWriterFunc adapts a function to LineWriter.
type LineWriterFunc func(line string)

// WriteLine calls f.
func (f LineWriterFunc) WriteLine(line string) { f(line) }

// Discard drops every line.
var Discard LineWriter = LineWriterFunc(func(string) {})

// SinkWriter adapts a LineWriter into an io.Writer so zerolog can emit
// into it. Partial writes are buffered until a newline arrives.
type SinkWriter struct {
	mu   sync.Mutex
	sink LineWriter
	buf  []byte
}

// NewSinkWriter wraps sink.
func NewSinkWriter(sink LineWriter) *SinkWriter {
	return &SinkWriter{sink: sink}
}

// Write implements io.Writer.
func (w *SinkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.sink.WriteLine(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *SinkWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.sink.WriteLine(string(w.buf))
		w.buf = nil
	}
}
