package cmd

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"
)

const maxProgressLine = 200

// progressRecorder is the part of gate.Progress the line recorder needs.
type progressRecorder interface {
	Record(description string) error
}

// lineRecorder turns command output into progress reports, one per line,
// and echoes each line with a prefix.
type lineRecorder struct {
	progress progressRecorder
	echo     io.Writer
	prefix   string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineRecorder(progress progressRecorder, echo io.Writer, prefix string) *lineRecorder {
	return &lineRecorder{progress: progress, echo: echo, prefix: prefix}
}

func (w *lineRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emitLocked(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush reports a trailing partial line.
func (w *lineRecorder) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emitLocked(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

// emitLocked REQUIRES w.mu.
func (w *lineRecorder) emitLocked(line string) {
	fmt.Fprintf(w.echo, "[%s] %s\n", w.prefix, line)

	desc := strings.TrimSpace(line)
	if desc == "" {
		desc = "output"
	}
	desc = truncateRunes(desc, maxProgressLine)
	// the agent may already have been recovered; output is still echoed
	_ = w.progress.Record(desc)
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
