package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/seqwire/seqwire/config"
	"github.com/seqwire/seqwire/frame"
	"github.com/seqwire/seqwire/link"
	"github.com/seqwire/seqwire/mgr"
	"github.com/seqwire/seqwire/stream"
)

// ClientOptions configure a client connection.
type ClientOptions struct {
	// DisableKeepAlive disables keepalive probes.
	DisableKeepAlive bool
	// AutoResume re-dials and resumes the connection when it times out.
	AutoResume bool
}

// Client is one logical connection to a hub.
// With AutoResume enabled it survives transport drops transparently.
type Client struct {
	mgr      *mgr.Manager
	endpoint config.Endpoint
	opts     ClientOptions

	id   string
	link *link.Link

	lock   sync.Mutex
	stream stream.Stream
}

// Connect dials the given endpoint URL and establishes a new connection.
func Connect(ctx context.Context, endpoint string, opts ClientOptions) (*Client, error) {
	parsed, err := config.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	c := &Client{
		mgr:      mgr.New("client " + parsed.Host),
		endpoint: parsed,
		opts:     opts,
	}
	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	l, reply, err := c.hello(ctx, s, helloRequest{})
	if err != nil {
		return nil, err
	}
	c.link = l
	c.id = reply.ID

	if opts.AutoResume {
		c.autoResume()
	}
	c.mgr.Info("connected", "endpoint", parsed.String(), "id", c.id)
	return c, nil
}

// ID returns the connection id assigned by the hub.
func (c *Client) ID() string {
	return c.id
}

// Link returns the underlying reliability layer link.
func (c *Client) Link() *link.Link {
	return c.link
}

// Send sends the given payload to the hub.
func (c *Client) Send(payload []byte) error {
	return c.link.Send(payload)
}

// Messages returns the event manager for received payloads.
func (c *Client) Messages() *mgr.EventMgr[[]byte] {
	return c.link.Messages()
}

// Resume dials a new stream and re-homes the connection onto it.
// Everything sent but not yet acknowledged is replayed automatically.
func (c *Client) Resume(ctx context.Context) error {
	s, err := c.dial(ctx)
	if err != nil {
		return err
	}
	_, _, err = c.hello(ctx, s, helloRequest{ID: c.id, Resume: true})
	return err
}

// Close disposes the connection and its transport.
func (c *Client) Close() {
	c.link.Dispose()
	c.setStream(nil)
	c.mgr.Cancel()
}

// setStream makes s the client's current transport and disposes the
// previous one.
func (c *Client) setStream(s stream.Stream) {
	c.lock.Lock()
	old := c.stream
	c.stream = s
	c.lock.Unlock()

	if old != nil {
		old.Dispose()
	}
}

func (c *Client) dial(ctx context.Context) (stream.Stream, error) {
	switch c.endpoint.Scheme {
	case "tcp":
		dialer := net.Dialer{Timeout: 10 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", c.endpoint.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.endpoint.String(), err)
		}
		s := stream.NewConn(c.mgr, conn)
		s.Start()
		return s, nil

	case "ws":
		s, err := stream.DialWS(ctx, c.mgr, c.endpoint.String())
		if err != nil {
			return nil, err
		}
		s.Start()
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", c.endpoint.Scheme)
	}
}

// hello runs the handshake on the given stream and attaches a link to it.
// For a resume request the client's existing link is re-homed, otherwise a
// new link is created.
func (c *Client) hello(ctx context.Context, s stream.Stream, req helloRequest) (*link.Link, helloReply, error) {
	type outcome struct {
		l     *link.Link
		reply helloReply
		err   error
	}
	done := make(chan outcome, 1)

	awaitHello(s, func(f frame.Frame, leftover []byte, err error) {
		if err != nil {
			done <- outcome{err: err}
			return
		}
		reply, err := parseHelloReply(f)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if !reply.OK {
			done <- outcome{err: fmt.Errorf("%w: hub rejected: %s", ErrHandshakeFailed, reply.Error)}
			return
		}

		// Attach the link on the delivery goroutine, so the handler swap
		// does not race incoming bytes.
		var l *link.Link
		if req.Resume {
			if !reply.Resume {
				done <- outcome{err: fmt.Errorf("%w: hub did not resume", ErrHandshakeFailed)}
				return
			}
			if err := c.link.BeginReconnect(s, leftover); err != nil {
				done <- outcome{err: err}
				return
			}
			if err := c.link.EndReconnect(); err != nil {
				done <- outcome{err: err}
				return
			}
			l = c.link
		} else {
			l = link.New("client link", s, link.Options{
				DisableKeepAlive: c.opts.DisableKeepAlive,
				Buffered:         leftover,
			})
		}
		done <- outcome{l: l, reply: reply}
	})

	encoded, err := encodeHelloRequest(req)
	if err != nil {
		s.Dispose()
		return nil, helloReply{}, err
	}
	if err := s.Write(encoded); err != nil {
		s.Dispose()
		return nil, helloReply{}, fmt.Errorf("write hello request: %w", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			s.Dispose()
			return nil, helloReply{}, o.err
		}
		c.setStream(s)
		return o.l, o.reply, nil
	case <-ctx.Done():
		s.Dispose()
		return nil, helloReply{}, ctx.Err()
	case <-time.After(helloTimeout):
		s.Dispose()
		return nil, helloReply{}, fmt.Errorf("%w: timed out", ErrHandshakeFailed)
	}
}

// autoResume resumes the connection whenever it times out.
func (c *Client) autoResume() {
	timeouts := c.link.SocketTimeouts().Subscribe("auto resume", 4)
	disposed := c.link.Disposed().Subscribe("auto resume", 1)

	c.mgr.Go("auto resume", func(w *mgr.WorkerCtx) error {
		for {
			select {
			case <-w.Done():
				return nil
			case <-disposed.Events():
				return nil
			case <-timeouts.Events():
				if err := c.Resume(w.Ctx()); err != nil {
					w.Warn("resume failed", "id", c.id, "err", err)
					continue
				}
				w.Info("connection resumed", "id", c.id)
			}
		}
	})
}
