package hub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwire/seqwire/config"
	"github.com/seqwire/seqwire/mgr"
	"github.com/seqwire/seqwire/stream"
)

type testInstance struct {
	config *config.Config
}

func (i *testInstance) Config() *config.Config {
	return i.config
}

func startTestHub(t *testing.T, listen string, handler Handler) *Hub {
	t.Helper()

	cfg := config.MakeTestConfig(config.Store{
		Hub: config.Hub{
			Listen: []string{listen},
		},
	})
	h, err := New(&testInstance{config: cfg}, handler)
	require.NoError(t, err, "hub must be created")
	require.NoError(t, h.Start(), "hub must start")
	t.Cleanup(func() {
		require.NoError(t, h.Stop(), "hub must stop")
		h.Manager().Cancel()
		h.Manager().WaitForWorkers(time.Second)
	})
	return h
}

func waitForMessage(t *testing.T, sub *mgr.EventSubscription[[]byte]) []byte {
	t.Helper()

	select {
	case msg := <-sub.Events():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("message did not arrive")
		return nil
	}
}

func TestHubEchoTCP(t *testing.T) {
	t.Parallel()

	h := startTestHub(t, "tcp://127.0.0.1:0", nil)
	require.Len(t, h.ListenAddrs(), 1, "listener must be running")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, h.ListenAddrs()[0], ClientOptions{})
	require.NoError(t, err, "client must connect")
	defer client.Close()
	assert.NotEmpty(t, client.ID(), "client must get a connection id")

	sub := client.Messages().Subscribe("test", 16)
	require.NoError(t, client.Send([]byte("echo me")), "send must succeed")
	assert.Equal(t, []byte("echo me"), waitForMessage(t, sub), "echo must arrive")

	assert.Equal(t, 1, h.Arena().Len(), "connection must be registered")
	conn, ok := h.Arena().Get(client.ID())
	require.True(t, ok, "connection must be found by id")
	assert.Equal(t, client.ID(), conn.ID(), "ids must match")
}

func TestHubEchoWebsocket(t *testing.T) {
	t.Parallel()

	h := startTestHub(t, "ws://127.0.0.1:0/wire", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, h.ListenAddrs()[0], ClientOptions{})
	require.NoError(t, err, "client must connect over websocket")
	defer client.Close()

	sub := client.Messages().Subscribe("test", 16)
	require.NoError(t, client.Send([]byte("over websocket")), "send must succeed")
	assert.Equal(t, []byte("over websocket"), waitForMessage(t, sub), "echo must arrive")
}

func TestHubCustomHandler(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 16)
	h := startTestHub(t, "tcp://127.0.0.1:0", func(w *mgr.WorkerCtx, conn *Conn, payload []byte) {
		received <- payload
		if err := conn.Send([]byte("ok")); err != nil {
			w.Warn("reply failed", "err", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, h.ListenAddrs()[0], ClientOptions{})
	require.NoError(t, err, "client must connect")
	defer client.Close()

	sub := client.Messages().Subscribe("test", 16)
	require.NoError(t, client.Send([]byte("to handler")), "send must succeed")

	select {
	case payload := <-received:
		assert.Equal(t, []byte("to handler"), payload, "handler must receive the payload")
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}
	assert.Equal(t, []byte("ok"), waitForMessage(t, sub), "handler reply must arrive")
}

func TestHubResume(t *testing.T) {
	t.Parallel()

	h := startTestHub(t, "tcp://127.0.0.1:0", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, h.ListenAddrs()[0], ClientOptions{})
	require.NoError(t, err, "client must connect")
	defer client.Close()
	id := client.ID()

	sub := client.Messages().Subscribe("test", 16)
	require.NoError(t, client.Send([]byte("before")), "send must succeed")
	assert.Equal(t, []byte("before"), waitForMessage(t, sub), "echo must arrive")

	// Re-home the connection onto a fresh transport.
	require.NoError(t, client.Resume(ctx), "resume must succeed")
	assert.Equal(t, id, client.ID(), "connection id must survive the resume")
	assert.Equal(t, 1, h.Arena().Len(), "resume must not create a second connection")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.Metrics().resumed), "resume must be counted")

	require.NoError(t, client.Send([]byte("after")), "send must succeed after resume")
	assert.Equal(t, []byte("after"), waitForMessage(t, sub), "echo must arrive after resume")
}

func TestHubRejectsUnknownResume(t *testing.T) {
	t.Parallel()

	h := startTestHub(t, "tcp://127.0.0.1:0", nil)
	endpoint, err := config.ParseEndpoint(h.ListenAddrs()[0])
	require.NoError(t, err, "listen addr must parse")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := mgr.New("test client")
	netConn, err := net.Dial("tcp", endpoint.Host)
	require.NoError(t, err, "dial must succeed")
	s := stream.NewConn(m, netConn)
	s.Start()
	defer func() {
		m.Cancel()
		m.WaitForWorkers(time.Second)
	}()

	c := &Client{mgr: m, endpoint: endpoint, id: "no-such-id"}
	_, _, err = c.hello(ctx, s, helloRequest{ID: "no-such-id", Resume: true})
	assert.ErrorIs(t, err, ErrHandshakeFailed, "unknown resume must be rejected")
	assert.Equal(t, 0, h.Arena().Len(), "no connection must be registered")
}
