package hub

import (
	"sync"

	"github.com/seqwire/seqwire/link"
	"github.com/seqwire/seqwire/stream"
)

// Conn is one logical connection attached to a hub.
// It survives transport drops: clients may resume it on a new stream at any
// time until it is disposed.
type Conn struct {
	id   string
	link *link.Link

	lock   sync.Mutex
	stream stream.Stream
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Link returns the underlying reliability layer link.
func (c *Conn) Link() *link.Link {
	return c.link
}

// Send sends the given payload to the connected client.
func (c *Conn) Send(payload []byte) error {
	return c.link.Send(payload)
}

// setStream makes s the connection's current transport and disposes the
// previous one. The link detaches from replaced streams on its own, but
// only the owner may release them.
func (c *Conn) setStream(s stream.Stream) {
	c.lock.Lock()
	old := c.stream
	c.stream = s
	c.lock.Unlock()

	if old != nil {
		old.Dispose()
	}
}
