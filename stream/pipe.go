package stream

import (
	"sync"
	"sync/atomic"
)

// Pipe is a synchronous in-process stream, mainly for testing.
// Writes are delivered to the connected peer's data handler inline, so
// protocol tests run deterministically without any goroutines in between.
type Pipe struct {
	peer *Pipe

	lock     sync.Mutex
	handlers handlers
	closed   bool

	bytesOut atomic.Uint64
}

var _ Stream = (*Pipe)(nil)

// NewPipe returns a connected pair of in-process streams.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{}
	b := &Pipe{}
	a.peer = b
	b.peer = a
	return a, b
}

// String returns a human readable summary.
func (p *Pipe) String() string {
	return "pipe stream"
}

// BytesWritten returns the total amount of bytes written to this side.
func (p *Pipe) BytesWritten() uint64 {
	return p.bytesOut.Load()
}

// Write delivers the given bytes to the peer synchronously.
func (p *Pipe) Write(b []byte) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrStreamClosed
	}
	p.lock.Unlock()

	p.bytesOut.Add(uint64(len(b)))
	p.peer.deliver(b)
	return nil
}

func (p *Pipe) deliver(b []byte) {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	deliver := p.handlers.data
	if deliver == nil {
		p.handlers.deliverData(append([]byte(nil), b...))
	}
	p.lock.Unlock()

	if deliver != nil {
		deliver(b)
	}
}

// SetDataHandler sets the handler for received bytes and flushes anything
// received while no handler was bound.
func (p *Pipe) SetDataHandler(fn func(b []byte)) {
	p.lock.Lock()
	flush := p.handlers.setData(fn)
	p.lock.Unlock()

	for _, b := range flush {
		fn(b)
	}
}

// SetEndHandler sets the handler for a clean end-of-stream.
func (p *Pipe) SetEndHandler(fn func()) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.handlers.end = fn
}

// SetCloseHandler sets the handler for the stream closing.
func (p *Pipe) SetCloseHandler(fn func(wasError bool)) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.handlers.close = fn
}

// End signals a clean end-of-stream to the peer.
func (p *Pipe) End() {
	p.peer.lock.Lock()
	endFn := p.peer.handlers.end
	p.peer.lock.Unlock()

	if endFn != nil {
		endFn()
	}
}

// Drain returns an already closed channel, writes are synchronous.
func (p *Pipe) Drain() <-chan struct{} {
	return closedChan
}

// Dispose closes this side and signals an abrupt close to the peer.
func (p *Pipe) Dispose() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	p.lock.Unlock()

	p.peer.lock.Lock()
	peerClosed := p.peer.closed
	closeFn := p.peer.handlers.close
	p.peer.lock.Unlock()

	if !peerClosed && closeFn != nil {
		closeFn(true)
	}
}
