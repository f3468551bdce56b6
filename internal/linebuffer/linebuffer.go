// Package linebuffer chunks an arbitrary byte stream into
// newline-terminated lines, delivering each to a callback exactly once,
// in order, with the trailing newline stripped.
package linebuffer

import (
	"bytes"
)

// Buffer is an io.WriteCloser that accumulates bytes written to it and
// calls onLine for every complete line it assembles. A final partial
// line (no trailing newline) is delivered when Close is called.
type Buffer struct {
	onLine func(line string)
	buf    bytes.Buffer
	closed bool
}

// New returns a Buffer that calls onLine for every newline-terminated
// line written to it.
func New(onLine func(line string)) *Buffer {
	return &Buffer{onLine: onLine}
}

// Write implements io.Writer. It never returns an error; every byte
// passed in is either appended to the pending partial line or has
// already produced a complete line.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	for {
		line, err := b.buf.ReadString('\n')
		if err != nil {
			// ReadString returns the unterminated remainder on error;
			// put it back for the next Write or the final Close flush.
			b.buf.Reset()
			b.buf.WriteString(line)
			break
		}
		b.onLine(line[:len(line)-1])
	}
	return len(p), nil
}

// Close flushes any trailing partial line (one with no terminating
// newline) through onLine. It is safe to call more than once; only the
// first call delivers the partial line.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.buf.Len() > 0 {
		b.onLine(b.buf.String())
		b.buf.Reset()
	}
	return nil
}
