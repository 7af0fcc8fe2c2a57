// Package link implements the reliability layer of the protocol: sequence
// numbers and acknowledgement accounting, keepalive, dead-connection
// detection, peer-driven pause/resume flow control, and transparent
// re-homing of a logical connection onto a new byte stream.
package link

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/seqwire/seqwire/frame"
	"github.com/seqwire/seqwire/mgr"
	"github.com/seqwire/seqwire/stream"
)

// Protocol timing constants. These are fixed on both ends of a connection
// on purpose, they are not user-tunable.
const (
	// ackDelay is how long an acknowledgement may wait for an outgoing
	// frame to piggyback on before a standalone ack frame is sent.
	ackDelay = 500 * time.Millisecond
	// ackDelayUnderLoad replaces ackDelay while the load estimator reports
	// high load, batching acks for throughput instead of latency.
	ackDelayUnderLoad = 2 * time.Second

	// keepAliveInterval is the idle time after which a keepalive probe is
	// sent. Probes are sequenced, keeping timeout detection meaningful on
	// otherwise idle connections.
	keepAliveInterval = 5 * time.Second

	// ackGracePeriod is how long a written frame may stay unacknowledged
	// before the connection is presumed dead.
	ackGracePeriod = 20 * time.Second
	// timeoutQuietPeriod is the minimum time between two socket timeout
	// notifications while the condition persists.
	timeoutQuietPeriod = 30 * time.Second

	// endOfStreamGracePeriod is how long after a graceful end-of-stream
	// signal the connection is kept alive for a quick reconnection.
	endOfStreamGracePeriod = 30 * time.Second
)

// Errors.
var (
	ErrAlreadyDisposed = errors.New("link is disposed")
	ErrNotReconnecting = errors.New("link is not reconnecting")
)

type connState uint8

const (
	stateActive connState = iota
	stateReconnecting
	stateDisposed
)

// Timeout describes a socket timeout notification.
// It is a signal that the connection is presumed dead, not a disposal: the
// owner decides whether to reconnect.
type Timeout struct {
	// Unacked is the number of sent but unacknowledged frames.
	Unacked int
	// OldestAge is the age of the oldest unacknowledged written frame.
	OldestAge time.Duration
}

// Options configure a link.
type Options struct {
	// DisableKeepAlive disables keepalive probes. Only meant for tests and
	// environments with external keepalive.
	DisableKeepAlive bool
	// LoadEstimator defaults to a never-high-load estimator.
	LoadEstimator LoadEstimator
	// Clock defaults to the real clock. Tests inject a mock clock.
	Clock clock.Clock
	// Buffered holds bytes already read off the stream before the link
	// attached, for example by a handshake reader. They are processed as if
	// they had arrived on the stream first.
	Buffered []byte
}

// Link is a persistent, acknowledgement-based message connection over an
// unreliable duplex byte stream. The stream may be swapped mid-connection
// via BeginReconnect/EndReconnect without losing protocol state.
type Link struct {
	mgr       *mgr.Manager
	clock     clock.Clock
	load      LoadEstimator
	keepAlive bool

	lock      sync.Mutex
	state     connState
	stream    stream.Stream
	dec       *frame.Decoder
	streamGen uint64
	streamOK  bool
	canWrite  bool

	nextSeq     uint32
	win         window
	ackRecvd    uint32
	lastRecvSeq uint32
	lastAckSent uint32
	lastSendAt  time.Time

	// pending holds frames deferred while writing is paused.
	pending []frame.Frame

	// outbox serializes stream writes without holding the state lock
	// across them.
	outbox  [][]byte
	writing bool

	ackTimer      *clock.Timer
	ackTimerSet   bool
	graceTimer    *clock.Timer
	graceTimerSet bool
	keepTimer     *clock.Timer
	endTimer      *clock.Timer
	endTimerSet   bool
	lastTimeout   time.Time

	messages *mgr.EventMgr[[]byte]
	timeouts *mgr.EventMgr[Timeout]
	disposed *mgr.EventMgr[struct{}]
}

// New returns a new active link on top of the given stream.
// The stream is borrowed: the link detaches from it but never disposes it.
func New(name string, s stream.Stream, opts Options) *Link {
	if opts.LoadEstimator == nil {
		opts.LoadEstimator = NeverHighLoad()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	m := mgr.New(name)
	l := &Link{
		mgr:       m,
		clock:     opts.Clock,
		load:      opts.LoadEstimator,
		keepAlive: !opts.DisableKeepAlive,
		state:     stateActive,
		canWrite:  true,
		nextSeq:   1,
		messages:  mgr.NewEventMgr[[]byte]("message", m),
		timeouts:  mgr.NewEventMgr[Timeout]("socket timeout", m),
		disposed:  mgr.NewEventMgr[struct{}]("disposed", m),
	}
	l.lastSendAt = l.clock.Now()
	l.keepTimer = l.clock.AfterFunc(keepAliveInterval, l.keepAliveFired)

	l.lock.Lock()
	l.stream = s
	l.dec = frame.NewDecoder()
	l.streamOK = true
	gen := l.streamGen
	l.lock.Unlock()

	// Handed-over bytes logically precede anything still in the stream, so
	// process them before the data handler binds and flushes.
	if len(opts.Buffered) > 0 {
		l.handleData(gen, opts.Buffered)
	}
	l.bindStream(s, gen)
	return l
}

// Manager returns the link manager.
func (l *Link) Manager() *mgr.Manager {
	return l.mgr
}

// Messages returns the event manager for received application payloads.
// Control frames are never emitted here.
func (l *Link) Messages() *mgr.EventMgr[[]byte] {
	return l.messages
}

// SocketTimeouts returns the event manager for socket timeout signals.
func (l *Link) SocketTimeouts() *mgr.EventMgr[Timeout] {
	return l.timeouts
}

// Disposed returns the event manager signaling terminal disposal.
func (l *Link) Disposed() *mgr.EventMgr[struct{}] {
	return l.disposed
}

// UnackedCount returns the number of sent but unacknowledged frames.
func (l *Link) UnackedCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.win.len()
}

// Send queues the given application payload for reliable delivery.
// The payload counts as sent immediately: it is tracked in the
// unacknowledged window and replayed across reconnections until the peer
// acknowledges it.
func (l *Link) Send(payload []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.sendSequencedLocked(frame.KindData, payload)
}

// SendPause requests the peer to stop writing to us.
func (l *Link) SendPause() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.sendSequencedLocked(frame.KindPause, nil)
}

// SendResume requests the peer to resume writing to us.
func (l *Link) SendResume() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.sendSequencedLocked(frame.KindResume, nil)
}

// PauseWriting closes the local write gate, as if a peer pause request had
// been received. All outgoing traffic, acknowledgements included, is held
// back until the peer sends a resume request.
func (l *Link) PauseWriting() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.canWrite = false
}

// Drain returns a channel that is closed once all bytes written so far have
// left the local write buffer.
func (l *Link) Drain() <-chan struct{} {
	l.lock.Lock()
	s := l.stream
	l.lock.Unlock()

	if s == nil {
		return closedChan()
	}
	return s.Drain()
}

// BeginReconnect detaches the link from its current stream and rebinds it
// to the given new stream, keeping all protocol state. Bytes already read
// from the new stream before the switch may be passed in as buffered and
// are processed as if received on the new stream.
// Sends stay queued until EndReconnect is called.
func (l *Link) BeginReconnect(newStream stream.Stream, buffered []byte) error {
	l.lock.Lock()
	if l.state == stateDisposed {
		l.lock.Unlock()
		return ErrAlreadyDisposed
	}
	l.detachStreamLocked()
	l.state = stateReconnecting

	// The old stream's fate no longer matters.
	l.stopEndGraceLocked()
	l.stopAckTimerLocked()

	l.stream = newStream
	l.dec = frame.NewDecoder()
	l.streamOK = true
	l.pending = nil
	gen := l.streamGen
	l.lock.Unlock()

	l.mgr.Info("reconnecting onto new stream")

	// Handed-over bytes logically precede anything still in the stream.
	// Process them first, then bind outside the lock, as handlers may fire
	// synchronously.
	if len(buffered) > 0 {
		l.handleData(gen, buffered)
	}
	l.bindStream(newStream, gen)
	return nil
}

// EndReconnect completes a reconnection: the link becomes active again,
// every frame still unacknowledged is replayed in original order over the
// new stream, and anything received but not yet acknowledged during the
// reconnection window is acknowledged immediately.
func (l *Link) EndReconnect() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	switch l.state {
	case stateDisposed:
		return ErrAlreadyDisposed
	case stateActive:
		return ErrNotReconnecting
	case stateReconnecting:
	}

	l.state = stateActive
	l.canWrite = true

	// Replay the whole window in sequence order.
	replay := make([]windowEntry, len(l.win.entries))
	copy(replay, l.win.entries)
	for _, e := range replay {
		l.writeFrameLocked(frame.Frame{Kind: e.kind, Seq: e.seq, Payload: e.payload})
	}
	if len(replay) > 0 {
		l.lastSendAt = l.clock.Now()
	}

	// Converge the peer's unacknowledged count right away instead of
	// waiting for the ack delay.
	if l.lastRecvSeq > l.lastAckSent {
		l.writeFrameLocked(frame.Frame{Kind: frame.KindAck})
	}

	l.mgr.Info("reconnected", "replayed", len(replay))
	return nil
}

// Dispose cancels all timers, detaches from the current stream and makes
// the link terminally unusable. It is idempotent and safe to call from any
// state.
func (l *Link) Dispose() {
	l.lock.Lock()
	if l.state == stateDisposed {
		l.lock.Unlock()
		return
	}

	// Flip the state before the disconnect notice goes out: the write
	// releases the lock and a concurrent dispose must not get past the
	// check above.
	notify := l.state == stateActive && l.streamOK && l.canWrite
	l.state = stateDisposed

	// Best effort disconnect notice.
	if notify {
		l.writeFrameLocked(frame.Frame{Kind: frame.KindDisconnect})
	}

	l.stopAckTimerLocked()
	l.stopEndGraceLocked()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimerSet = false
	}
	if l.keepTimer != nil {
		l.keepTimer.Stop()
	}
	l.detachStreamLocked()
	l.pending = nil
	l.lock.Unlock()

	l.mgr.Info("disposed")
	l.disposed.Submit(struct{}{})
	l.mgr.Cancel()
}

// bindStream binds the link's handlers to the given stream.
// The generation guards against deliveries from previously detached streams.
func (l *Link) bindStream(s stream.Stream, gen uint64) {
	s.SetEndHandler(func() {
		l.handleEnd(gen)
	})
	s.SetCloseHandler(func(wasError bool) {
		l.handleClose(gen, wasError)
	})
	// Bind the data handler last: it may synchronously flush bytes the
	// stream buffered before the link attached.
	s.SetDataHandler(func(b []byte) {
		l.handleData(gen, b)
	})
}

func (l *Link) detachStreamLocked() {
	if l.stream == nil {
		return
	}
	s := l.stream
	l.stream = nil
	l.dec = nil
	l.streamOK = false
	l.streamGen++
	// Queued but unwritten bytes belong to the dead stream, the window
	// replay covers them on the next stream.
	l.outbox = nil

	s.SetDataHandler(nil)
	s.SetEndHandler(nil)
	s.SetCloseHandler(nil)
}

// sendSequencedLocked assigns the next sequence id, tracks the frame in the
// window and transmits it if writing is currently possible.
func (l *Link) sendSequencedLocked(kind frame.Kind, payload []byte) error {
	if l.state == stateDisposed {
		return ErrAlreadyDisposed
	}

	seq := l.nextSeq
	l.nextSeq++
	l.win.add(windowEntry{kind: kind, seq: seq, payload: payload})

	f := frame.Frame{Kind: kind, Seq: seq, Payload: payload}
	switch {
	case l.state != stateActive || !l.streamOK:
		// Held in the window, transmitted by EndReconnect.
	case !l.canWrite:
		l.pending = append(l.pending, f)
	default:
		l.lastSendAt = l.clock.Now()
		l.writeFrameLocked(f)
	}
	return nil
}

// writeFrameLocked attaches the piggyback ack and queues the frame for
// writing to the current stream.
func (l *Link) writeFrameLocked(f frame.Frame) {
	if l.lastRecvSeq > l.lastAckSent {
		f.Ack = l.lastRecvSeq
		l.lastAckSent = l.lastRecvSeq
		l.stopAckTimerLocked()
	}
	if f.Kind.Sequenced() {
		l.win.markWritten(f.Seq, l.clock.Now())
		l.armAckGraceLocked()
	}
	l.enqueueWriteLocked(frame.Encode(f))
}

// enqueueWriteLocked appends the encoded frame to the outbox and drains the
// outbox unless another call on the stack is already draining it. The state
// lock is released around the actual stream writes, so synchronous streams
// may re-enter the link without deadlocking.
func (l *Link) enqueueWriteLocked(data []byte) {
	l.outbox = append(l.outbox, data)
	if l.writing {
		return
	}
	l.writing = true
	for len(l.outbox) > 0 {
		next := l.outbox[0]
		l.outbox = l.outbox[1:]
		s := l.stream
		if s == nil || !l.streamOK {
			break
		}
		l.lock.Unlock()
		err := s.Write(next)
		l.lock.Lock()
		if err != nil {
			l.deadConnectionLocked("stream write failed", err)
			break
		}
	}
	l.writing = false
	if len(l.outbox) == 0 {
		l.outbox = nil
	}
}

// handleData is the stream data handler.
func (l *Link) handleData(gen uint64, b []byte) {
	l.lock.Lock()
	if l.state == stateDisposed || gen != l.streamGen || l.dec == nil {
		l.lock.Unlock()
		return
	}

	frames, err := l.dec.Feed(b)
	var emits [][]byte
	for _, f := range frames {
		if !l.handleFrameLocked(f, &emits) {
			break
		}
	}
	if err != nil {
		l.deadConnectionLocked("framing error", err)
	}
	l.lock.Unlock()

	// Emit in arrival order, outside the lock.
	for _, payload := range emits {
		l.messages.Submit(payload)
	}
}

// handleFrameLocked dispatches one received frame.
// It reports whether the connection is still usable.
func (l *Link) handleFrameLocked(f frame.Frame, emits *[][]byte) bool {
	// Acknowledgement bookkeeping first, any frame may carry an ack.
	if f.Ack != frame.NoAck {
		if f.Ack >= l.nextSeq {
			l.deadConnectionLocked("protocol violation", errors.New("ack for never-sent sequence id"))
			return false
		}
		// Acks are monotonic, earlier values are ignored.
		if f.Ack > l.ackRecvd {
			l.ackRecvd = f.Ack
			l.win.ackTo(f.Ack)
			l.rearmAckGraceLocked()
		}
	}

	switch f.Kind {
	case frame.KindAck, frame.KindKeepAliveReply, frame.KindHello:
		// Nothing beyond the ack bookkeeping above.

	case frame.KindData:
		if l.recvSequencedLocked(f) {
			*emits = append(*emits, f.Payload)
		}

	case frame.KindPause:
		if l.recvSequencedLocked(f) {
			l.canWrite = false
		}

	case frame.KindResume:
		if l.recvSequencedLocked(f) {
			l.canWrite = true
			l.flushPendingLocked()
		}

	case frame.KindKeepAlive:
		// Reply even to replayed probes, the peer is waiting for an ack.
		l.recvSequencedLocked(f)
		reply := frame.Frame{Kind: frame.KindKeepAliveReply}
		if l.state == stateActive && l.streamOK && l.canWrite {
			l.writeFrameLocked(reply)
		} else if !l.canWrite {
			l.pending = append(l.pending, reply)
		}

	case frame.KindDisconnect:
		l.armEndGraceLocked()
	}

	if l.state != stateDisposed && l.lastRecvSeq > l.lastAckSent {
		l.scheduleAckLocked()
	}
	return l.streamOK
}

// recvSequencedLocked accounts for a received sequenced frame and reports
// whether it is new. Duplicates, expected after a reconnection replay, are
// dropped by sequence id.
func (l *Link) recvSequencedLocked(f frame.Frame) (isNew bool) {
	switch {
	case f.Seq <= l.lastRecvSeq:
		return false
	case f.Seq != l.lastRecvSeq+1:
		l.deadConnectionLocked("protocol violation", errors.New("sequence id gap"))
		return false
	default:
		l.lastRecvSeq = f.Seq
		return true
	}
}

// flushPendingLocked writes everything deferred while paused, oldest first,
// followed by a standalone ack if one is still owed.
func (l *Link) flushPendingLocked() {
	pending := l.pending
	l.pending = nil
	for _, f := range pending {
		l.writeFrameLocked(f)
	}
	if l.lastRecvSeq > l.lastAckSent {
		l.writeFrameLocked(frame.Frame{Kind: frame.KindAck})
	}
}

// deadConnectionLocked detaches from the stream after a fatal stream or
// framing error. The link itself stays alive: the owner may recover it via
// reconnection, and timeout detection keeps running to surface the
// condition.
func (l *Link) deadConnectionLocked(why string, err error) {
	if !l.streamOK {
		return
	}
	l.mgr.Warn("dead connection", "why", why, "err", err)
	l.detachStreamLocked()
	l.stopAckTimerLocked()
}

// handleEnd is the stream end-of-stream handler. The peer signaled a
// graceful close: grant a grace period for a quick reconnection before
// giving up on the connection.
func (l *Link) handleEnd(gen uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.state == stateDisposed || gen != l.streamGen {
		return
	}
	l.armEndGraceLocked()
}

// handleClose is the stream abrupt-close handler.
func (l *Link) handleClose(gen uint64, wasError bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.state == stateDisposed || gen != l.streamGen {
		return
	}
	why := "stream closed"
	if wasError {
		why = "stream closed abruptly"
	}
	l.deadConnectionLocked(why, errors.New("closed by peer"))
}

// Ack delay timer.

func (l *Link) scheduleAckLocked() {
	if l.ackTimerSet || l.state != stateActive || !l.streamOK || !l.canWrite {
		return
	}
	delay := ackDelay
	if l.load.HasHighLoad() {
		delay = ackDelayUnderLoad
	}
	l.ackTimerSet = true
	if l.ackTimer == nil {
		l.ackTimer = l.clock.AfterFunc(delay, l.ackTimerFired)
	} else {
		l.ackTimer.Reset(delay)
	}
}

func (l *Link) ackTimerFired() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.ackTimerSet = false
	if l.state != stateActive || !l.streamOK || !l.canWrite {
		return
	}
	if l.lastRecvSeq > l.lastAckSent {
		l.writeFrameLocked(frame.Frame{Kind: frame.KindAck})
	}
}

func (l *Link) stopAckTimerLocked() {
	if l.ackTimerSet {
		l.ackTimer.Stop()
		l.ackTimerSet = false
	}
}

// Keepalive timer.

func (l *Link) keepAliveFired() {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.state == stateDisposed {
		return
	}
	defer l.keepTimer.Reset(keepAliveInterval)

	if !l.keepAlive || l.state != stateActive || !l.streamOK || !l.canWrite {
		return
	}
	if l.clock.Now().Sub(l.lastSendAt) < keepAliveInterval {
		return
	}
	_ = l.sendSequencedLocked(frame.KindKeepAlive, nil)
}

// Timeout detection timer.

func (l *Link) armAckGraceLocked() {
	if l.graceTimerSet {
		return
	}
	l.graceTimerSet = true
	if l.graceTimer == nil {
		l.graceTimer = l.clock.AfterFunc(ackGracePeriod, l.ackGraceFired)
	} else {
		l.graceTimer.Reset(ackGracePeriod)
	}
}

// rearmAckGraceLocked resets timeout detection after acks arrived.
func (l *Link) rearmAckGraceLocked() {
	if !l.graceTimerSet {
		return
	}
	l.graceTimer.Stop()
	l.graceTimerSet = false
	if _, ok := l.win.oldestWritten(); ok {
		l.armAckGraceLocked()
	}
}

func (l *Link) ackGraceFired() {
	l.lock.Lock()

	l.graceTimerSet = false
	if l.state == stateDisposed {
		l.lock.Unlock()
		return
	}

	oldest, ok := l.win.oldestWritten()
	if !ok {
		l.lock.Unlock()
		return
	}

	now := l.clock.Now()
	age := now.Sub(oldest.writtenAt)
	if age < ackGracePeriod {
		// Not old enough yet, check again when it would be.
		l.graceTimerSet = true
		l.graceTimer.Reset(ackGracePeriod - age)
		l.lock.Unlock()
		return
	}

	// Rate limit: while the condition persists, do not notify again until
	// the quiet period has elapsed.
	fire := l.lastTimeout.IsZero() || now.Sub(l.lastTimeout) >= timeoutQuietPeriod
	var event Timeout
	if fire {
		l.lastTimeout = now
		event = Timeout{
			Unacked:   l.win.len(),
			OldestAge: age,
		}
	}
	l.graceTimerSet = true
	l.graceTimer.Reset(timeoutQuietPeriod)
	l.lock.Unlock()

	if fire {
		l.mgr.Warn("socket timeout", "unacked", event.Unacked, "oldestAge", event.OldestAge)
		l.timeouts.Submit(event)
	}
}

// End-of-stream grace timer.

func (l *Link) armEndGraceLocked() {
	if l.endTimerSet {
		return
	}
	l.endTimerSet = true
	if l.endTimer == nil {
		l.endTimer = l.clock.AfterFunc(endOfStreamGracePeriod, l.endGraceFired)
	} else {
		l.endTimer.Reset(endOfStreamGracePeriod)
	}
}

func (l *Link) stopEndGraceLocked() {
	if l.endTimerSet {
		l.endTimer.Stop()
		l.endTimerSet = false
	}
}

func (l *Link) endGraceFired() {
	l.lock.Lock()
	stillEnding := l.endTimerSet && l.state != stateDisposed
	l.endTimerSet = false
	l.lock.Unlock()

	if stillEnding {
		l.mgr.Info("end-of-stream grace period elapsed")
		l.Dispose()
	}
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
