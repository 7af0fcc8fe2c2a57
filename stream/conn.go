package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/tevino/abool"

	"github.com/seqwire/seqwire/mgr"
)

// Errors.
var (
	ErrNetworkReadError  = errors.New("read i/o error")
	ErrNetworkWriteError = errors.New("write i/o error")
)

const connReadBufSize = 64 * 1024

// Conn is a stream on top of a net.Conn.
// It runs a reader and a writer worker on the given manager.
type Conn struct {
	conn net.Conn
	mgr  *mgr.Manager

	writeQueue chan []byte
	closing    abool.AtomicBool

	lock     sync.Mutex
	handlers handlers
	drains   []chan struct{}
}

var _ Stream = (*Conn)(nil)

// NewConn returns a new stream on top of the given net.Conn.
// Start must be called to begin reading and writing.
func NewConn(m *mgr.Manager, conn net.Conn) *Conn {
	return &Conn{
		conn:       conn,
		mgr:        m,
		writeQueue: make(chan []byte, 256),
	}
}

// String returns a human readable summary.
func (c *Conn) String() string {
	return fmt.Sprintf("stream to %s", c.conn.RemoteAddr())
}

// RemoteAddr returns the underlying remote net.Addr of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Start starts the reader and writer workers.
func (c *Conn) Start() {
	c.mgr.Go("stream reader", c.reader)
	c.mgr.Go("stream writer", c.writer)
}

// Write queues the given bytes for writing.
func (c *Conn) Write(b []byte) error {
	if c.closing.IsSet() {
		return ErrStreamClosed
	}
	select {
	case c.writeQueue <- b:
		return nil
	case <-c.mgr.Done():
		return ErrStreamClosed
	}
}

// SetDataHandler sets the handler for received bytes.
func (c *Conn) SetDataHandler(fn func(b []byte)) {
	c.lock.Lock()
	flush := c.handlers.setData(fn)
	c.lock.Unlock()

	for _, b := range flush {
		fn(b)
	}
}

// SetEndHandler sets the handler for a clean end-of-stream.
func (c *Conn) SetEndHandler(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.handlers.end = fn
}

// SetCloseHandler sets the handler for the stream closing.
func (c *Conn) SetCloseHandler(fn func(wasError bool)) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.handlers.close = fn
}

// End signals a clean end-of-stream to the peer.
// On TCP connections the write side is shut down, received bytes are still
// delivered until the peer closes its side.
func (c *Conn) End() {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := c.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	c.Dispose()
}

// Drain returns a channel that is closed once the write queue is empty.
func (c *Conn) Drain() <-chan struct{} {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.writeQueue) == 0 {
		return closedChan
	}
	drain := make(chan struct{})
	c.drains = append(c.drains, drain)
	return drain
}

// Dispose closes the stream.
func (c *Conn) Dispose() {
	if c.closing.SetToIf(false, true) {
		_ = c.conn.Close()
	}
}

func (c *Conn) reader(w *mgr.WorkerCtx) error {
	buf := make([]byte, connReadBufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lock.Lock()
			deliver := c.handlers.data
			if deliver == nil {
				c.handlers.deliverData(append([]byte(nil), buf[:n]...))
			}
			c.lock.Unlock()
			if deliver != nil {
				deliver(buf[:n])
			}
		}
		if err == nil {
			continue
		}

		// Signal the owner and stop reading.
		c.lock.Lock()
		endFn := c.handlers.end
		closeFn := c.handlers.close
		c.lock.Unlock()

		switch {
		case errors.Is(err, io.EOF):
			w.Debug("stream ended by peer", "remote", c.conn.RemoteAddr())
			if endFn != nil {
				endFn()
			}
		case c.closing.IsSet():
			if closeFn != nil {
				closeFn(false)
			}
		default:
			w.Debug(
				"read i/o error, closing stream",
				"remote", c.conn.RemoteAddr(),
				"err", fmt.Errorf("%w: %w", ErrNetworkReadError, err),
			)
			c.closing.Set()
			if closeFn != nil {
				closeFn(true)
			}
		}
		return nil
	}
}

func (c *Conn) writer(w *mgr.WorkerCtx) error {
	for {
		select {
		case b := <-c.writeQueue:
			if err := c.writeAll(b); err != nil {
				if !c.closing.IsSet() {
					w.Debug(
						"write i/o error, closing stream",
						"remote", c.conn.RemoteAddr(),
						"err", err,
					)
					c.closing.Set()
					_ = c.conn.Close()

					c.lock.Lock()
					closeFn := c.handlers.close
					c.lock.Unlock()
					if closeFn != nil {
						closeFn(true)
					}
				}
				return nil
			}
			c.signalDrainIfIdle()

		case <-w.Done():
			return nil
		}
	}
}

func (c *Conn) writeAll(data []byte) error {
	var written int
	for written < len(data) {
		n, err := c.conn.Write(data[written:])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetworkWriteError, err)
		}
		written += n
	}
	return nil
}

func (c *Conn) signalDrainIfIdle() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.writeQueue) > 0 || len(c.drains) == 0 {
		return
	}
	for _, drain := range c.drains {
		close(drain)
	}
	c.drains = nil
}
