package cli

import (
	"strings"
	"sync"
)

// LogWriter is an io.Writer that retains a bounded window of the most
// recent log lines. The serve command tees its log output through one
// so the debug endpoint can show what the server logged last; writes
// never block and never fail.
type LogWriter struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogWriter creates a log writer retaining the last maxLines lines.
func NewLogWriter(maxLines int) *LogWriter {
	if maxLines <= 0 {
		maxLines = 100
	}
	return &LogWriter{lines: make([]string, maxLines)}
}

// Write implements io.Writer. Multi-line input is split on newlines;
// once the window is full the oldest line is overwritten.
func (w *LogWriter) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(text, "\n") {
		w.lines[w.next] = line
		w.next++
		if w.next == len(w.lines) {
			w.next = 0
			w.full = true
		}
	}
	return len(p), nil
}

// Lines returns the retained lines, oldest first.
func (w *LogWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return append([]string(nil), w.lines[:w.next]...)
	}
	out := make([]string, 0, len(w.lines))
	out = append(out, w.lines[w.next:]...)
	out = append(out, w.lines[:w.next]...)
	return out
}
