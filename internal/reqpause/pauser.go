// Package reqpause buffers an in-flight HTTP request body until a
// downstream consumer is ready for it, so that async work performed
// between "this request arrived" and "something is finally reading it"
// never drops bytes.
package reqpause

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// pausableBody captures reads from the underlying body into an in-memory
// buffer and withholds them from Read until Resume has been called.
type pausableBody struct {
	mu      sync.Mutex
	cond    *sync.Cond
	resumed bool
	buf     bytes.Buffer
	eof     bool
	err     error
	src     io.ReadCloser
}

func newPausableBody(src io.ReadCloser) *pausableBody {
	b := &pausableBody{src: src}
	b.cond = sync.NewCond(&b.mu)
	go b.pump()
	return b
}

// pump drains the real body into buf as fast as the client sends it,
// decoupling the wire from whatever Read calls happen to be blocked
// waiting on Resume.
func (b *pausableBody) pump() {
	chunk := make([]byte, 32*1024)
	for {
		n, err := b.src.Read(chunk)
		b.mu.Lock()
		if n > 0 {
			b.buf.Write(chunk[:n])
		}
		if err != nil {
			b.eof = true
			if err != io.EOF {
				b.err = err
			}
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

func (b *pausableBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.resumed {
		b.cond.Wait()
	}
	for b.buf.Len() == 0 && !b.eof {
		b.cond.Wait()
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, io.EOF
}

func (b *pausableBody) Close() error {
	return b.src.Close()
}

// Resume releases any buffered body data and unblocks Read, which from
// this point on drains the buffer and then passes the live stream
// through untouched. A second call is a no-op.
func (b *pausableBody) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resumed {
		return
	}
	b.resumed = true
	b.cond.Broadcast()
}

// Pause installs a buffering body on req and returns the resume function
// that releases it. req must not have had its body read yet.
func Pause(req *http.Request) (resume func()) {
	pb := newPausableBody(req.Body)
	req.Body = pb
	return pb.Resume
}
