package supervisor

import (
	"sync"

	"github.com/router-for-me/ShareTunnel/internal/logging"
	log "github.com/sirupsen/logrus"
)

// DefaultOutputLimit is how many trailing bytes of each stream are retained.
const DefaultOutputLimit = 64 * 1024

// OutputBuffer accumulates child output, keeping only the last limit bytes.
type OutputBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped int64
}

// NewOutputBuffer returns a buffer retaining at most limit bytes.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputBuffer{limit: limit}
}

// Write appends p, discarding the oldest bytes beyond the limit.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Tail returns at most the last n retained bytes.
func (b *OutputBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n >= len(b.buf) {
		return string(b.buf)
	}
	return string(b.buf[len(b.buf)-n:])
}

// Dropped returns how many bytes were discarded because of the limit.
func (b *OutputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// streamWriter fans a child stream out to its buffer, the log and the hook.
type streamWriter struct {
	stream string
	buffer *OutputBuffer
	lines  *logging.LineWriter
	hook   func(stream string, chunk []byte)
}

func newStreamWriter(stream string, buffer *OutputBuffer, entry *log.Entry, hook func(string, []byte)) *streamWriter {
	return &streamWriter{
		stream: stream,
		buffer: buffer,
		lines:  logging.NewLineWriter(entry.WithField("stream", stream), log.InfoLevel),
		hook:   hook,
	}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	_, _ = w.buffer.Write(p)
	if w.hook != nil {
		// exec reuses its copy buffer, so hand the hook its own slice.
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.hook(w.stream, chunk)
	}
	_, _ = w.lines.Write(p)
	return len(p), nil
}

func (w *streamWriter) flush() {
	w.lines.Flush()
}
