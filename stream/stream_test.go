package stream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwire/seqwire/mgr"
)

func TestPipe(t *testing.T) {
	t.Parallel()

	a, b := NewPipe()

	// Bytes written before a handler is bound must be buffered.
	require.NoError(t, a.Write([]byte("early ")), "write must succeed")

	var received []byte
	b.SetDataHandler(func(data []byte) {
		received = append(received, data...)
	})
	require.NoError(t, a.Write([]byte("bird")), "write must succeed")
	assert.Equal(t, []byte("early bird"), received, "delivery must preserve order")
	assert.Equal(t, uint64(10), a.BytesWritten(), "byte counter must match")

	// End reaches the peer's end handler.
	var ended bool
	b.SetEndHandler(func() { ended = true })
	a.End()
	assert.True(t, ended, "end must be signaled")

	// Dispose signals an abrupt close to the peer.
	var closedWithError bool
	b.SetCloseHandler(func(wasError bool) { closedWithError = wasError })
	a.Dispose()
	assert.True(t, closedWithError, "dispose must signal abrupt close")

	assert.ErrorIs(t, a.Write([]byte("x")), ErrStreamClosed, "write after dispose must fail")
}

func TestConn(t *testing.T) {
	t.Parallel()

	m := mgr.New("stream test")
	c1, c2 := net.Pipe()
	s1 := NewConn(m, c1)
	s2 := NewConn(m, c2)

	received := make(chan []byte, 16)
	s2.SetDataHandler(func(b []byte) {
		received <- append([]byte(nil), b...)
	})
	ended := make(chan struct{})
	s2.SetEndHandler(func() { close(ended) })

	s1.Start()
	s2.Start()

	require.NoError(t, s1.Write([]byte("hello stream")), "write must succeed")
	select {
	case b := <-received:
		assert.Equal(t, []byte("hello stream"), b, "data must arrive")
	case <-time.After(time.Second):
		t.Fatal("data did not arrive")
	}

	// Drain resolves once the write queue is empty.
	select {
	case <-s1.Drain():
	case <-time.After(time.Second):
		t.Fatal("drain did not resolve")
	}

	// net.Pipe has no half close, End falls back to a full close which the
	// peer observes as end-of-stream.
	s1.End()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("end was not signaled")
	}

	s2.Dispose()
	m.Cancel()
	assert.True(t, m.WaitForWorkers(time.Second), "stream workers must stop")
}
