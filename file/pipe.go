package file

import (
	"sync"

	"rvos/kerr"
	"rvos/uio"
)

// pipeSize is the capacity of a pipe's circular byte buffer.
const pipeSize = 512

// Killed reports whether the calling process has been asked to die; a
// blocked pipe read or write checks this so it can give up instead of
// blocking forever. Supplied by the process layer to avoid an import
// cycle; nil means "never killed" (used by tests exercising the pipe in
// isolation).
type Killed func() bool

// Pipe is a fixed-size circular byte buffer shared between a read end
// and a write end, each wrapped in its own File.
type Pipe struct {
	mu    sync.Mutex
	cond  *sync.Cond
	data  [pipeSize]byte
	nread uint
	nwrite uint
	readOpen, writeOpen bool
	killed Killed
}

// NewPipePair allocates a pipe and returns its read end and write end as
// Files. killed may be nil.
func NewPipePair(killed Killed) (*File, *File) {
	p := &Pipe{readOpen: true, writeOpen: true, killed: killed}
	p.cond = sync.NewCond(&p.mu)
	return NewPipe(p, true, false), NewPipe(p, false, true)
}

func (p *Pipe) isKilled() bool {
	return p.killed != nil && p.killed()
}

// Close closes one end of the pipe; writable selects which end. Once
// both ends are closed the pipe's storage is simply garbage, same as
// any other unreferenced Go value.
func (p *Pipe) Close(writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.cond.Broadcast()
}

// Write copies up to n bytes from src into the pipe, blocking while the
// buffer is full. Returns EPIPE if the read end is already closed, or if
// the calling process is killed while blocked. A fault copying from src
// stops the write and is returned along with the bytes written so far.
func (p *Pipe) Write(src uio.Target, n int) (int, kerr.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var cerr kerr.Errno
	i := 0
	for i < n {
		if !p.readOpen || p.isKilled() {
			return i, kerr.EPIPE
		}
		if p.nwrite == p.nread+pipeSize {
			p.cond.Broadcast() // wake any reader waiting on data
			p.cond.Wait()
			continue
		}
		var b [1]byte
		got, errno := src.CopyIn(b[:])
		if errno != kerr.OK || got == 0 {
			cerr = errno
			break
		}
		p.data[p.nwrite%pipeSize] = b[0]
		p.nwrite++
		i++
	}
	p.cond.Broadcast()
	return i, cerr
}

// Read copies up to n bytes out of the pipe into dst, blocking while the
// pipe is empty and the write end is still open. A fault copying into
// dst stops the read and is returned along with the bytes read so far.
func (p *Pipe) Read(dst uio.Target, n int) (int, kerr.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.nread == p.nwrite && p.writeOpen {
		if p.isKilled() {
			return 0, kerr.EINTR
		}
		p.cond.Wait()
	}

	var cerr kerr.Errno
	i := 0
	for i < n {
		if p.nread == p.nwrite {
			break
		}
		b := [1]byte{p.data[p.nread%pipeSize]}
		_, errno := dst.CopyOut(b[:])
		if errno != kerr.OK {
			cerr = errno
			break
		}
		p.nread++
		i++
	}
	p.cond.Broadcast()
	return i, cerr
}
