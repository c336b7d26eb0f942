package utils

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"
)

// SequencedWriter prefixes every complete line written to it with a running
// line number and an RFC3339 timestamp. Partial lines are held until the
// newline arrives or Close is called.
type SequencedWriter struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending bytes.Buffer
	now     func() time.Time
}

func NewSequencedWriter(target io.Writer) *SequencedWriter {
	return &SequencedWriter{target: target, now: time.Now}
}

func (w *SequencedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		idx := bytes.IndexByte(w.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := w.pending.Next(idx + 1)
		if err := w.writeLine(bytes.TrimRight(line, "\r\n")); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line, if any.
func (w *SequencedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending.Len() == 0 {
		return nil
	}
	line := w.pending.Bytes()
	w.pending.Reset()
	return w.writeLine(line)
}

func (w *SequencedWriter) writeLine(line []byte) error {
	w.seq++
	var buf bytes.Buffer
	buf.WriteString("line=")
	buf.WriteString(strconv.FormatUint(w.seq, 10))
	buf.WriteString(" time=")
	buf.WriteString(w.now().Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.Write(line)
	buf.WriteByte('\n')
	_, err := w.target.Write(buf.Bytes())
	return err
}
