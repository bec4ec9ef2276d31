package logging

import (
	"bytes"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxPendingLine bounds an unterminated line before it is logged anyway.
const maxPendingLine = 16 * 1024

// LineWriter is an io.Writer that splits arbitrary chunks into lines and logs
// each complete line through entry. Partial lines are held until the rest
// arrives or Flush is called.
type LineWriter struct {
	mu      sync.Mutex
	entry   *log.Entry
	level   log.Level
	pending []byte
}

// NewLineWriter returns a writer logging at level with the fields of entry.
func NewLineWriter(entry *log.Entry, level log.Level) *LineWriter {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &LineWriter{entry: entry, level: level}
}

// Write never fails; it always consumes all of p.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	if len(w.pending) > maxPendingLine {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// Flush logs whatever partial line is still buffered.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	w.entry.Log(w.level, text)
}
