package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tevino/abool"

	"github.com/seqwire/seqwire/mgr"
)

// WS is a stream on top of a websocket connection.
// Frames are carried in binary websocket messages.
type WS struct {
	conn *websocket.Conn
	mgr  *mgr.Manager

	writeQueue chan []byte
	closing    abool.AtomicBool

	lock     sync.Mutex
	handlers handlers
	drains   []chan struct{}
}

var _ Stream = (*WS)(nil)

// NewWS returns a new stream on top of the given websocket connection.
// Start must be called to begin reading and writing.
func NewWS(m *mgr.Manager, conn *websocket.Conn) *WS {
	return &WS{
		conn:       conn,
		mgr:        m,
		writeQueue: make(chan []byte, 256),
	}
}

// DialWS dials the given websocket endpoint and returns a stream on top of
// the established connection.
func DialWS(ctx context.Context, m *mgr.Manager, endpoint string) (*WS, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", endpoint, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return NewWS(m, conn), nil
}

// String returns a human readable summary.
func (s *WS) String() string {
	return fmt.Sprintf("websocket stream to %s", s.conn.RemoteAddr())
}

// Start starts the reader and writer workers.
func (s *WS) Start() {
	s.mgr.Go("websocket reader", s.reader)
	s.mgr.Go("websocket writer", s.writer)
}

// Write queues the given bytes for writing.
func (s *WS) Write(b []byte) error {
	if s.closing.IsSet() {
		return ErrStreamClosed
	}
	select {
	case s.writeQueue <- b:
		return nil
	case <-s.mgr.Done():
		return ErrStreamClosed
	}
}

// SetDataHandler sets the handler for received bytes.
func (s *WS) SetDataHandler(fn func(b []byte)) {
	s.lock.Lock()
	flush := s.handlers.setData(fn)
	s.lock.Unlock()

	for _, b := range flush {
		fn(b)
	}
}

// SetEndHandler sets the handler for a clean end-of-stream.
func (s *WS) SetEndHandler(fn func()) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.handlers.end = fn
}

// SetCloseHandler sets the handler for the stream closing.
func (s *WS) SetCloseHandler(fn func(wasError bool)) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.handlers.close = fn
}

// End signals a clean end-of-stream to the peer via a close message.
func (s *WS) End() {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// Drain returns a channel that is closed once the write queue is empty.
func (s *WS) Drain() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.writeQueue) == 0 {
		return closedChan
	}
	drain := make(chan struct{})
	s.drains = append(s.drains, drain)
	return drain
}

// Dispose closes the stream.
func (s *WS) Dispose() {
	if s.closing.SetToIf(false, true) {
		_ = s.conn.Close()
	}
}

func (s *WS) reader(w *mgr.WorkerCtx) error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.lock.Lock()
			endFn := s.handlers.end
			closeFn := s.handlers.close
			s.lock.Unlock()

			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				w.Debug("websocket ended by peer", "remote", s.conn.RemoteAddr())
				if endFn != nil {
					endFn()
				}
			case s.closing.IsSet():
				if closeFn != nil {
					closeFn(false)
				}
			default:
				w.Debug(
					"websocket read error, closing stream",
					"remote", s.conn.RemoteAddr(),
					"err", err,
				)
				s.closing.Set()
				if closeFn != nil {
					closeFn(true)
				}
			}
			return nil
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		s.lock.Lock()
		deliver := s.handlers.data
		if deliver == nil {
			s.handlers.deliverData(data)
		}
		s.lock.Unlock()
		if deliver != nil {
			deliver(data)
		}
	}
}

func (s *WS) writer(w *mgr.WorkerCtx) error {
	for {
		select {
		case b := <-s.writeQueue:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				if !s.closing.IsSet() {
					w.Debug(
						"websocket write error, closing stream",
						"remote", s.conn.RemoteAddr(),
						"err", err,
					)
					s.closing.Set()
					_ = s.conn.Close()

					s.lock.Lock()
					closeFn := s.handlers.close
					s.lock.Unlock()
					if closeFn != nil {
						closeFn(true)
					}
				}
				return nil
			}
			s.signalDrainIfIdle()

		case <-w.Done():
			return nil
		}
	}
}

func (s *WS) signalDrainIfIdle() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.writeQueue) > 0 || len(s.drains) == 0 {
		return
	}
	for _, drain := range s.drains {
		close(drain)
	}
	s.drains = nil
}
