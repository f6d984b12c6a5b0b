package cli

import (
	"strings"

	"github.com/voiceloop/voiceloop/pkg/buffer"
)

// LogWriter implements io.Writer and keeps the most recent log lines
// in a ring. It absorbs logger output that would otherwise interleave
// with the transcript; Lines recovers the tail for display.
type LogWriter struct {
	buf *buffer.Ring[string]
}

// NewLogWriter creates a new log writer retaining maxLines lines.
func NewLogWriter(maxLines int) *LogWriter {
	return &LogWriter{
		buf: buffer.NewRing[string](maxLines),
	}
}

// Write implements io.Writer.
// Handles multi-line input by splitting on newlines.
func (w *LogWriter) Write(p []byte) (n int, err error) {
	text := strings.TrimRight(string(p), "\n")
	for _, line := range strings.Split(text, "\n") {
		_ = w.buf.Add(line)
	}
	return len(p), nil
}

// Lines returns the retained lines, oldest first.
func (w *LogWriter) Lines() []string {
	return w.buf.Snapshot()
}
