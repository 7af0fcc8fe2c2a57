// Package stream provides the duplex byte stream capability the reliability
// layer runs on, together with tcp, pipe and websocket implementations.
package stream

import "errors"

// Errors.
var (
	ErrStreamClosed = errors.New("stream is closed")
)

// Stream is an unreliable duplex byte stream.
//
// Handlers are single-consumer: the owning protocol layer binds them and
// rebinds them when the logical connection is re-homed onto a new stream.
// A stream buffers received bytes until a data handler is bound, so no
// inbound data is lost before the owner attaches.
type Stream interface {
	// Write writes the given bytes to the stream.
	Write(b []byte) error

	// SetDataHandler sets the handler for received bytes.
	// Passing nil detaches the current handler.
	SetDataHandler(fn func(b []byte))

	// SetEndHandler sets the handler for a clean end-of-stream signaled
	// by the peer.
	SetEndHandler(fn func())

	// SetCloseHandler sets the handler for the stream closing.
	// wasError reports whether the stream closed abruptly.
	SetCloseHandler(fn func(wasError bool))

	// End signals a clean end-of-stream to the peer.
	// The stream can still deliver received bytes afterwards.
	End()

	// Drain returns a channel that is closed once all bytes written so far
	// have left the local write buffer.
	Drain() <-chan struct{}

	// Dispose closes the stream and releases its resources.
	Dispose()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// handlers holds the rebindable stream handlers and buffers data received
// while no data handler is bound.
type handlers struct {
	data    func(b []byte)
	end     func()
	close   func(wasError bool)
	pending [][]byte
}

func (h *handlers) setData(fn func(b []byte)) (flush [][]byte) {
	h.data = fn
	if fn == nil || len(h.pending) == 0 {
		return nil
	}
	flush = h.pending
	h.pending = nil
	return flush
}

func (h *handlers) deliverData(b []byte) {
	if h.data == nil {
		h.pending = append(h.pending, b)
		return
	}
	h.data(b)
}
