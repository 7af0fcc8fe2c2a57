// Package hub accepts connections over tcp and websocket listeners, runs
// the handshake that creates or resumes logical connections, and dispatches
// received application messages to a handler.
package hub

import (
	"time"

	"github.com/google/uuid"

	"github.com/seqwire/seqwire/config"
	"github.com/seqwire/seqwire/frame"
	"github.com/seqwire/seqwire/link"
	"github.com/seqwire/seqwire/mgr"
	"github.com/seqwire/seqwire/stream"
)

// Handler processes one received application message.
// It is called on a worker of the connection's link, in arrival order.
type Handler func(w *mgr.WorkerCtx, conn *Conn, payload []byte)

// Hub accepts and manages logical connections.
type Hub struct {
	mgr      *mgr.Manager
	instance instance

	arena     *Arena
	handler   Handler
	metrics   *Metrics
	load      link.LoadEstimator
	listeners []listener
}

// instance is an interface to access the other modules.
type instance interface {
	Config() *config.Config
}

// New returns a new hub that dispatches received messages to the given
// handler. A nil handler echoes every message back to its sender.
func New(instance instance, handler Handler) (*Hub, error) {
	if handler == nil {
		handler = EchoHandler
	}
	hub := &Hub{
		mgr:      mgr.New("hub"),
		instance: instance,
		arena:    NewArena(),
		handler:  handler,
		metrics:  newMetrics(),
		load:     link.NewMemoryLoad(instance.Config().Hub.HighLoadMemoryFraction),
	}
	return hub, nil
}

// Manager returns the module's manager.
func (hub *Hub) Manager() *mgr.Manager {
	return hub.mgr
}

// Arena returns the connection registry.
func (hub *Hub) Arena() *Arena {
	return hub.arena
}

// Metrics returns the hub metrics.
func (hub *Hub) Metrics() *Metrics {
	return hub.metrics
}

// Start starts the configured listeners.
func (hub *Hub) Start() error {
	for _, endpoint := range hub.instance.Config().Listen {
		ln, err := startListener(hub, endpoint)
		if err != nil {
			return err
		}
		hub.listeners = append(hub.listeners, ln)
		hub.mgr.Info("listening", "endpoint", endpoint.String())
	}
	return nil
}

// ListenAddrs returns the endpoint URLs of the running listeners, with
// bound ports resolved.
func (hub *Hub) ListenAddrs() []string {
	addrs := make([]string, 0, len(hub.listeners))
	for _, ln := range hub.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Stop closes all listeners and disposes all connections.
func (hub *Hub) Stop() error {
	for _, ln := range hub.listeners {
		ln.Close()
	}
	hub.arena.DisposeAll()
	return nil
}

// accept runs the handshake on a newly accepted stream.
func (hub *Hub) accept(s stream.Stream) {
	// The stream does not get to sit in the handshake forever.
	timeout := time.AfterFunc(helloTimeout, s.Dispose)

	awaitHello(s, func(f frame.Frame, leftover []byte, err error) {
		timeout.Stop()
		if err != nil {
			hub.mgr.Debug("handshake failed", "err", err)
			hub.metrics.rejected.Inc()
			s.Dispose()
			return
		}
		req, err := parseHelloRequest(f)
		if err != nil {
			hub.mgr.Debug("handshake failed", "err", err)
			hub.reject(s, "invalid hello")
			return
		}
		hub.join(s, req, leftover)
	})
}

// join attaches the stream to a resumed or fresh connection.
// It runs on the stream's delivery goroutine, so handler rebinding is
// seamless with respect to incoming bytes.
func (hub *Hub) join(s stream.Stream, req helloRequest, leftover []byte) {
	if req.Resume {
		hub.resume(s, req, leftover)
		return
	}

	id := uuid.New().String()
	reply, err := encodeHelloReply(helloReply{OK: true, ID: id})
	if err != nil {
		hub.mgr.Error("encode hello reply", "err", err)
		s.Dispose()
		return
	}
	if err := s.Write(reply); err != nil {
		hub.mgr.Debug("write hello reply", "err", err)
		s.Dispose()
		return
	}

	l := link.New("conn "+id, s, link.Options{
		DisableKeepAlive: !hub.instance.Config().KeepAlive,
		LoadEstimator:    hub.load,
		Buffered:         leftover,
	})
	conn := &Conn{id: id, link: l, stream: s}
	if !hub.arena.add(conn) {
		// uuid collisions do not happen, but a registry must not be
		// corrupted if they do.
		hub.mgr.Error("connection id already in use", "id", id)
		l.Dispose()
		return
	}
	hub.watch(conn)

	hub.metrics.accepted.Inc()
	hub.metrics.connections.Inc()
	hub.mgr.Info("connection accepted", "id", id)
}

// resume re-homes an existing connection onto the given stream.
func (hub *Hub) resume(s stream.Stream, req helloRequest, leftover []byte) {
	conn, ok := hub.arena.Get(req.ID)
	if !ok {
		hub.mgr.Debug("resume for unknown connection", "id", req.ID)
		hub.reject(s, ErrUnknownConn.Error())
		return
	}

	// The reply must precede any replayed frames on the wire.
	reply, err := encodeHelloReply(helloReply{OK: true, ID: conn.id, Resume: true})
	if err != nil {
		hub.mgr.Error("encode hello reply", "err", err)
		s.Dispose()
		return
	}
	if err := s.Write(reply); err != nil {
		hub.mgr.Debug("write hello reply", "err", err)
		s.Dispose()
		return
	}

	if err := conn.link.BeginReconnect(s, leftover); err != nil {
		hub.mgr.Warn("resume failed", "id", conn.id, "err", err)
		hub.reject(s, "resume failed")
		return
	}
	if err := conn.link.EndReconnect(); err != nil {
		hub.mgr.Warn("resume failed", "id", conn.id, "err", err)
		s.Dispose()
		return
	}
	conn.setStream(s)

	hub.metrics.resumed.Inc()
	hub.mgr.Info("connection resumed", "id", conn.id)
}

// watch wires the connection's link events to the hub.
func (hub *Hub) watch(conn *Conn) {
	conn.link.Messages().AddCallback("dispatch", func(w *mgr.WorkerCtx, payload []byte) (cancel bool, err error) {
		hub.metrics.messages.Inc()
		hub.handler(w, conn, payload)
		return false, nil
	})
	conn.link.SocketTimeouts().AddCallback("log", func(w *mgr.WorkerCtx, timeout link.Timeout) (cancel bool, err error) {
		hub.metrics.timeouts.Inc()
		// Keep the connection, the client may still resume it.
		w.Warn(
			"connection timed out",
			"id", conn.id,
			"unacked", timeout.Unacked,
			"oldestAge", timeout.OldestAge,
		)
		return false, nil
	})
	conn.link.Disposed().AddCallback("cleanup", func(w *mgr.WorkerCtx, _ struct{}) (cancel bool, err error) {
		hub.arena.remove(conn.id)
		conn.setStream(nil)
		hub.metrics.connections.Dec()
		hub.mgr.Info("connection removed", "id", conn.id)
		return true, nil
	})
}

// reject answers the handshake with an error reply and disposes the stream.
func (hub *Hub) reject(s stream.Stream, reason string) {
	hub.metrics.rejected.Inc()
	if reply, err := encodeHelloReply(helloReply{Error: reason}); err == nil {
		_ = s.Write(reply)
	}
	s.Dispose()
}

// EchoHandler sends every received message back to its sender.
func EchoHandler(w *mgr.WorkerCtx, conn *Conn, payload []byte) {
	if err := conn.Send(payload); err != nil {
		w.Warn("echo failed", "id", conn.ID(), "err", err)
	}
}
