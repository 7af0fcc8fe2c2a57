package hub

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seqwire/seqwire/config"
	"github.com/seqwire/seqwire/mgr"
	"github.com/seqwire/seqwire/stream"
)

// listener accepts streams for the hub on one endpoint.
type listener interface {
	Addr() string
	Close()
}

func startListener(hub *Hub, endpoint config.Endpoint) (listener, error) {
	switch endpoint.Scheme {
	case "tcp":
		return startTCPListener(hub, endpoint)
	case "ws":
		return startWSListener(hub, endpoint)
	default:
		return nil, fmt.Errorf("unsupported listener scheme %q", endpoint.Scheme)
	}
}

type tcpListener struct {
	ln net.Listener
}

func startTCPListener(hub *Hub, endpoint config.Endpoint) (listener, error) {
	ln, err := net.Listen("tcp", endpoint.Host)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint.String(), err)
	}

	hub.mgr.Go("tcp listener "+endpoint.Host, func(w *mgr.WorkerCtx) error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if w.IsDone() || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept on %s: %w", endpoint.String(), err)
			}
			w.Debug("accepted tcp connection", "remote", conn.RemoteAddr())

			s := stream.NewConn(hub.mgr, conn)
			s.Start()
			hub.accept(s)
		}
	})
	return &tcpListener{ln: ln}, nil
}

func (t *tcpListener) Addr() string {
	return "tcp://" + t.ln.Addr().String()
}

func (t *tcpListener) Close() {
	_ = t.ln.Close()
}

type wsListener struct {
	server *http.Server
	addr   string
	path   string
}

func startWSListener(hub *Hub, endpoint config.Endpoint) (listener, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The frame protocol carries its own handshake.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	path := endpoint.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(rw http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			hub.mgr.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		hub.mgr.Debug("accepted websocket connection", "remote", r.RemoteAddr)

		s := stream.NewWS(hub.mgr, wsConn)
		s.Start()
		hub.accept(s)
	})

	server := &http.Server{
		Addr:              endpoint.Host,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", endpoint.Host)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint.String(), err)
	}
	hub.mgr.Go("ws listener "+endpoint.Host, func(w *mgr.WorkerCtx) error {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return &wsListener{
		server: server,
		addr:   ln.Addr().String(),
		path:   path,
	}, nil
}

func (l *wsListener) Addr() string {
	return "ws://" + l.addr + l.path
}

func (l *wsListener) Close() {
	_ = l.server.Close()
}
