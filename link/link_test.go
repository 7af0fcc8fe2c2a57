package link

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwire/seqwire/frame"
	"github.com/seqwire/seqwire/mgr"
	"github.com/seqwire/seqwire/stream"
)

// newTestPair returns two connected links over a synchronous in-process
// pipe, driven by the given mock clock. Keepalive is off unless a test
// enables it, so the clock can be advanced freely.
func newTestPair(t *testing.T, mock *clock.Mock, keepAlive bool) (a, b *Link, pa, pb *stream.Pipe) {
	t.Helper()

	pa, pb = stream.NewPipe()
	opts := Options{
		DisableKeepAlive: !keepAlive,
		Clock:            mock,
	}
	a = New("link a", pa, opts)
	b = New("link b", pb, opts)
	t.Cleanup(func() {
		a.Dispose()
		b.Dispose()
	})
	return a, b, pa, pb
}

func recvMessage(t *testing.T, sub *mgr.EventSubscription[[]byte]) []byte {
	t.Helper()

	select {
	case msg := <-sub.Events():
		return msg
	default:
		t.Fatal("expected a message, got none")
		return nil
	}
}

func assertNoMessage(t *testing.T, sub *mgr.EventSubscription[[]byte]) {
	t.Helper()

	select {
	case msg := <-sub.Events():
		t.Fatalf("expected no message, got %q", msg)
	default:
	}
}

func TestSendAndDelayedAck(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	a, b, _, _ := newTestPair(t, mock, false)
	sub := b.Messages().Subscribe("test", 16)

	payloads := [][]byte{
		[]byte(gofakeit.Sentence(3)),
		[]byte(gofakeit.Sentence(5)),
		[]byte(gofakeit.Sentence(8)),
	}
	for _, p := range payloads {
		require.NoError(t, a.Send(p), "send must succeed")
	}
	for _, p := range payloads {
		assert.Equal(t, p, recvMessage(t, sub), "payloads must arrive in order")
	}

	// Nothing is acknowledged before the ack delay elapses.
	assert.Equal(t, 3, a.UnackedCount(), "all sends must be unacked before the ack delay")
	mock.Add(ackDelay - time.Millisecond)
	assert.Equal(t, 3, a.UnackedCount(), "ack must not arrive early")

	// The standalone ack covers all received frames at once.
	mock.Add(time.Millisecond)
	assert.Equal(t, 0, a.UnackedCount(), "single ack must clear the whole window")
	assert.Equal(t, 0, b.UnackedCount(), "pure acks must not be tracked")
}

func TestAckPiggyback(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	a, b, _, _ := newTestPair(t, mock, false)
	subA := a.Messages().Subscribe("test", 16)

	require.NoError(t, a.Send([]byte("ping")), "send must succeed")
	assert.Equal(t, 1, a.UnackedCount(), "send must be unacked")

	// A reply within the ack delay carries the ack, no clock advance needed.
	require.NoError(t, b.Send([]byte("pong")), "send must succeed")
	assert.Equal(t, []byte("pong"), recvMessage(t, subA), "reply must arrive")
	assert.Equal(t, 0, a.UnackedCount(), "reply must piggyback the ack")
	assert.Equal(t, 1, b.UnackedCount(), "reply itself awaits its own ack")
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	a, b, pa, _ := newTestPair(t, mock, false)
	sub := b.Messages().Subscribe("test", 16)

	require.NoError(t, b.SendPause(), "pause must succeed")
	baseline := pa.BytesWritten()

	// While paused, nothing crosses the wire, not even acks.
	require.NoError(t, a.Send([]byte("held one")), "send must succeed while paused")
	require.NoError(t, a.Send([]byte("held two")), "send must succeed while paused")
	mock.Add(ackDelay * 4)
	assert.Equal(t, baseline, pa.BytesWritten(), "paused link must write zero bytes")
	assertNoMessage(t, sub)
	assert.Equal(t, 2, a.UnackedCount(), "held frames must stay tracked")

	// Resume flushes everything held back, in order, plus the owed ack.
	require.NoError(t, b.SendResume(), "resume must succeed")
	assert.Greater(t, pa.BytesWritten(), baseline, "resume must flush held frames")
	assert.Equal(t, []byte("held one"), recvMessage(t, sub), "first held frame must arrive")
	assert.Equal(t, []byte("held two"), recvMessage(t, sub), "second held frame must arrive")
	assert.Equal(t, 0, b.UnackedCount(), "flushed ack must cover pause and resume")
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	a, _, pa, _ := newTestPair(t, mock, true)

	written := pa.BytesWritten()
	mock.Add(keepAliveInterval)
	assert.Greater(t, pa.BytesWritten(), written, "idle link must send a keepalive probe")

	// The probe is sequenced and the reply acknowledges it immediately.
	assert.Equal(t, 0, a.UnackedCount(), "keepalive reply must ack the probe")

	// Application traffic resets the probe schedule.
	require.NoError(t, a.Send([]byte("busy")), "send must succeed")
	written = pa.BytesWritten()
	mock.Add(keepAliveInterval - time.Millisecond)
	assert.Equal(t, written, pa.BytesWritten(), "recent traffic must suppress the probe")
}

// highLoad is a load estimator stub pinned to high load.
type highLoad struct{}

func (highLoad) HasHighLoad() bool { return true }

func TestAckBatchingUnderLoad(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	pa, pb := stream.NewPipe()
	a := New("sender link", pa, Options{DisableKeepAlive: true, Clock: mock})
	b := New("loaded link", pb, Options{DisableKeepAlive: true, Clock: mock, LoadEstimator: highLoad{}})
	t.Cleanup(func() {
		a.Dispose()
		b.Dispose()
	})
	sub := b.Messages().Subscribe("test", 4)

	require.NoError(t, a.Send([]byte("under load")), "send must succeed")
	assert.Equal(t, []byte("under load"), recvMessage(t, sub), "payload must arrive")

	// A loaded receiver holds its standalone ack past the normal delay.
	mock.Add(ackDelay)
	assert.Equal(t, 1, a.UnackedCount(), "loaded peer must not ack at the normal delay")
	mock.Add(ackDelayUnderLoad - ackDelay - time.Millisecond)
	assert.Equal(t, 1, a.UnackedCount(), "ack must wait for the full batching delay")

	mock.Add(time.Millisecond)
	assert.Equal(t, 0, a.UnackedCount(), "ack must arrive once the batching delay elapses")
}

func TestAckForUnsentIdFatal(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	pa, pb := stream.NewPipe()
	l := New("victim link", pa, Options{DisableKeepAlive: true, Clock: mock})
	t.Cleanup(l.Dispose)
	sub := l.SocketTimeouts().Subscribe("test", 4)

	require.NoError(t, l.Send([]byte("only send")), "send must succeed")
	written := pa.BytesWritten()

	// An ack for a sequence id that was never sent means the peer state
	// diverged, fatal to the stream.
	require.NoError(t, pb.Write(frame.Encode(frame.Frame{Kind: frame.KindAck, Ack: 7})), "raw write must succeed")

	// The stream is detached: further sends stay in the window for a later
	// reconnection instead of reaching the wire.
	require.NoError(t, l.Send([]byte("after the fact")), "send must still queue")
	assert.Equal(t, written, pa.BytesWritten(), "detached link must write nothing")
	assert.Equal(t, 2, l.UnackedCount(), "window must survive the dead connection")

	// The frame that did cross the wire still ages into a timeout signal.
	mock.Add(ackGracePeriod)
	select {
	case timeout := <-sub.Events():
		assert.Equal(t, 2, timeout.Unacked, "unacked count must be reported")
	default:
		t.Fatal("expected a timeout notification for the dead connection")
	}
}

func TestSequenceGapFatal(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	pa, pb := stream.NewPipe()
	l := New("victim link", pa, Options{DisableKeepAlive: true, Clock: mock})
	t.Cleanup(l.Dispose)
	sub := l.Messages().Subscribe("test", 4)

	require.NoError(t, pb.Write(frame.Encode(frame.Frame{Kind: frame.KindData, Seq: 1, Payload: []byte("one")})), "raw write must succeed")
	assert.Equal(t, []byte("one"), recvMessage(t, sub), "in-order frame must be delivered")

	// A sequence gap means a frame was lost without the stream noticing,
	// fatal to the stream.
	require.NoError(t, pb.Write(frame.Encode(frame.Frame{Kind: frame.KindData, Seq: 3, Payload: []byte("three")})), "raw write must succeed")
	assertNoMessage(t, sub)

	// The link detached from the stream, nothing is delivered anymore.
	require.NoError(t, pb.Write(frame.Encode(frame.Frame{Kind: frame.KindData, Seq: 2, Payload: []byte("two")})), "raw write must succeed")
	assertNoMessage(t, sub)
}

func TestTimeoutRateLimited(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()

	// The peer end of the pipe stays unattached, so nothing ever acks.
	pa, _ := stream.NewPipe()
	l := New("mute peer link", pa, Options{DisableKeepAlive: true, Clock: mock})
	t.Cleanup(l.Dispose)
	sub := l.SocketTimeouts().Subscribe("test", 4)

	require.NoError(t, l.Send([]byte("into the void")), "send must succeed")

	// First notification once the grace period elapses.
	mock.Add(ackGracePeriod)
	select {
	case timeout := <-sub.Events():
		assert.Equal(t, 1, timeout.Unacked, "unacked count must be reported")
		assert.Equal(t, ackGracePeriod, timeout.OldestAge, "oldest age must be reported")
	default:
		t.Fatal("expected a timeout notification")
	}

	// The condition persists, but the quiet period suppresses repeats.
	mock.Add(timeoutQuietPeriod / 2)
	select {
	case <-sub.Events():
		t.Fatal("timeout must not repeat within the quiet period")
	default:
	}

	// Once the quiet period is over, it fires again.
	mock.Add(timeoutQuietPeriod / 2)
	select {
	case timeout := <-sub.Events():
		assert.Equal(t, 1, timeout.Unacked, "unacked count must be reported")
	default:
		t.Fatal("expected a second timeout notification")
	}
}

func TestNoTimeoutForUnwrittenFrames(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	pa, _ := stream.NewPipe()
	l := New("queued link", pa, Options{DisableKeepAlive: true, Clock: mock})
	t.Cleanup(l.Dispose)
	sub := l.SocketTimeouts().Subscribe("test", 4)

	// While reconnecting, sends are queued without reaching any stream.
	newStream, _ := stream.NewPipe()
	require.NoError(t, l.BeginReconnect(newStream, nil), "begin reconnect must succeed")
	require.NoError(t, l.Send([]byte("queued")), "send must queue while reconnecting")

	// Frames that never crossed a wire must not age into a timeout.
	mock.Add(ackGracePeriod * 3)
	select {
	case <-sub.Events():
		t.Fatal("queued frames must not trigger a timeout")
	default:
	}

	// Once actually written, the clock starts.
	require.NoError(t, l.EndReconnect(), "end reconnect must succeed")
	mock.Add(ackGracePeriod)
	select {
	case timeout := <-sub.Events():
		assert.Equal(t, ackGracePeriod, timeout.OldestAge, "age must start at the write")
	default:
		t.Fatal("expected a timeout after the frame was written")
	}
}

func TestDispose(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	a, b, _, _ := newTestPair(t, mock, false)
	disposedA := a.Disposed().Subscribe("test", 1)
	disposedB := b.Disposed().Subscribe("test", 1)

	a.Dispose()
	a.Dispose() // Idempotent.

	select {
	case <-disposedA.Events():
	default:
		t.Fatal("dispose must emit the disposed event")
	}
	assert.ErrorIs(t, a.Send([]byte("x")), ErrAlreadyDisposed, "send after dispose must fail")
	assert.ErrorIs(t, a.SendPause(), ErrAlreadyDisposed, "pause after dispose must fail")
	assert.Error(t, a.EndReconnect(), "end reconnect after dispose must fail")

	// The peer got the disconnect notice and winds down after the grace
	// period, without a reconnection showing up.
	mock.Add(endOfStreamGracePeriod)
	select {
	case <-disposedB.Events():
	default:
		t.Fatal("peer must dispose after the end-of-stream grace period")
	}
}

// reentrantStream re-enters the link from within Write, like a synchronous
// transport delivering a reaction inline.
type reentrantStream struct {
	onWrite func()
}

func (s *reentrantStream) Write(b []byte) error {
	if s.onWrite != nil {
		s.onWrite()
	}
	return nil
}

func (s *reentrantStream) SetDataHandler(fn func(b []byte))       {}
func (s *reentrantStream) SetEndHandler(fn func())                {}
func (s *reentrantStream) SetCloseHandler(fn func(wasError bool)) {}
func (s *reentrantStream) End()                                   {}
func (s *reentrantStream) Drain() <-chan struct{}                 { return closedChan() }
func (s *reentrantStream) Dispose()                               {}

func TestDisposeReentrant(t *testing.T) {
	t.Parallel()

	s := &reentrantStream{}
	l := New("reentrant link", s, Options{DisableKeepAlive: true, Clock: clock.NewMock()})
	sub := l.Disposed().Subscribe("test", 4)

	// The disconnect notice is written with the state lock released. A
	// dispose triggered from within that write must find the link already
	// disposed and must not emit a second event.
	s.onWrite = l.Dispose
	l.Dispose()

	assert.Len(t, sub.Events(), 1, "disposed must be emitted exactly once")
}
