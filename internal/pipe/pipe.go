// Package pipe implements the anonymous byte pipe: a fixed-size circular
// buffer with blocking reader/writer synchronized by two condition
// variables, grounded directly on tinyos3's kernel_pipe.c for semantics and
// on biscuit's circbuf_t for the Go ring-buffer shape.
package pipe

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
)

// ErrClosed is returned by Read/Write when the pipe object itself, or the
// required endpoint, is already nil.
var ErrClosed = errors.New("pipe: endpoint closed")

// Pipe is the pipe control block (PIPECB in the source).
type Pipe struct {
	buf  []byte
	r, w int
	full bool

	reader *fcb.FCB
	writer *fcb.FCB

	isEmpty *sync.Cond
	isFull  *sync.Cond
}

// New allocates a pipe with a buffer of cfg.BufSize bytes, empty.
func New(cfg kernel.Config) *Pipe {
	return &Pipe{
		buf:     make([]byte, cfg.BufSize),
		isEmpty: kernel.NewCond(),
		isFull:  kernel.NewCond(),
	}
}

// SetReader / SetWriter wire the FCB on each side of the pipe. Must be
// called with the kernel lock held, before any Read/Write/Close is
// reachable by another goroutine.
func (p *Pipe) SetReader(f *fcb.FCB) { p.reader = f }
func (p *Pipe) SetWriter(f *fcb.FCB) { p.writer = f }

func (p *Pipe) empty() bool {
	return p.w == p.r && !p.full
}

// put inserts one byte into the circular buffer. Returns false if the
// buffer is currently full (buf_put's "return 0" path).
func (p *Pipe) put(c byte) bool {
	if p.w == p.r && p.full {
		return false
	}
	p.buf[p.w] = c
	p.w++
	if p.w >= len(p.buf) {
		p.w = 0
	}
	if p.w == p.r {
		p.full = true
	}
	return true
}

// get removes one byte from the circular buffer. Returns false if the
// buffer is currently empty (buf_get's "return 0" path).
func (p *Pipe) get() (byte, bool) {
	if p.empty() {
		return 0, false
	}
	c := p.buf[p.r]
	p.r++
	if p.r >= len(p.buf) {
		p.r = 0
	}
	p.full = false
	return c, true
}

// Read consumes up to len(buf) bytes. Must be called with the kernel lock
// held; it releases the lock while blocked on isEmpty. Returns the number
// of bytes actually read, which may be less than len(buf) (or zero) when
// the writer closes mid-read/before any byte was ever written — that is
// end-of-stream, not an error. err is non-nil only when the pipe itself (or
// its reader side) is already gone at call time.
func (p *Pipe) Read(buf []byte) (int, error) {
	if p.reader == nil {
		return 0, ErrClosed
	}

	count := 0
	for i := 0; i < len(buf); i++ {
		if p.writer == nil && p.empty() {
			return count, nil
		}
		for {
			c, ok := p.get()
			if ok {
				buf[i] = c
				kernel.Broadcast(p.isFull)
				break
			}
			kernel.Broadcast(p.isFull)
			kernel.Wait(p.isEmpty)
			if p.writer == nil && p.empty() {
				return count, nil
			}
		}
		count++
	}
	return count, nil
}

// Write produces len(buf) bytes, blocking while the buffer is full. Must be
// called with the kernel lock held; it releases the lock while blocked on
// isFull. err is non-nil only when the reader or writer side is gone,
// either at call time (count 0) or after being closed while this write was
// blocked (count reflects bytes written so far).
func (p *Pipe) Write(buf []byte) (int, error) {
	if p.reader == nil || p.writer == nil {
		return 0, ErrClosed
	}

	count := 0
	for i := 0; i < len(buf); i++ {
		for !p.put(buf[i]) {
			kernel.Broadcast(p.isEmpty)
			kernel.Wait(p.isFull)
			if p.reader == nil || p.writer == nil {
				return count, ErrClosed
			}
		}
		kernel.Broadcast(p.isEmpty)
		count++
	}
	return count, nil
}

// CloseReader nils the reader side, wakes any blocked writer, and frees the
// pipe's buffers if the writer side is also already gone.
func (p *Pipe) CloseReader() {
	if p.reader == nil {
		return
	}
	p.reader = nil
	kernel.Broadcast(p.isFull)
	if p.writer == nil {
		p.release()
	}
}

// CloseWriter nils the writer side, wakes any blocked reader, and frees the
// pipe's buffers if the reader side is also already gone.
func (p *Pipe) CloseWriter() {
	if p.writer == nil {
		return
	}
	p.writer = nil
	kernel.Broadcast(p.isEmpty)
	if p.reader == nil {
		p.release()
	}
}

// release drops the backing buffer once both sides are closed. Go's GC
// reclaims the memory; this just helps it along and logs the event.
func (p *Pipe) release() {
	p.buf = nil
	kernel.Log.WithField("component", "pipe").Debug("pipe buffer released")
}
