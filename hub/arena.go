package hub

import (
	"sync"
)

// Arena is the registry of live connections, keyed by connection id.
type Arena struct {
	lock  sync.Mutex
	conns map[string]*Conn
}

// NewArena returns a new empty arena.
func NewArena() *Arena {
	return &Arena{
		conns: make(map[string]*Conn),
	}
}

// Get returns the connection with the given id.
func (a *Arena) Get(id string) (c *Conn, ok bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	c, ok = a.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (a *Arena) Len() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return len(a.conns)
}

// add registers the given connection. It reports whether the id was free.
func (a *Arena) add(c *Conn) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, exists := a.conns[c.id]; exists {
		return false
	}
	a.conns[c.id] = c
	return true
}

// remove drops the connection with the given id.
func (a *Arena) remove(id string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	delete(a.conns, id)
}

// DisposeAll disposes all live connections.
func (a *Arena) DisposeAll() {
	a.lock.Lock()
	conns := make([]*Conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.lock.Unlock()

	// Dispose outside the lock, disposal callbacks remove from the arena.
	for _, c := range conns {
		c.link.Dispose()
	}
}
