package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/seqwire/seqwire/frame"
)

func TestWindow(t *testing.T) {
	t.Parallel()

	var w window
	w.add(windowEntry{kind: frame.KindData, seq: 1, payload: []byte("a")})
	w.add(windowEntry{kind: frame.KindData, seq: 2, payload: []byte("b")})
	w.add(windowEntry{kind: frame.KindKeepAlive, seq: 3})
	assert.Equal(t, 3, w.len(), "window must track all entries")

	// Only written entries may age into a timeout.
	_, ok := w.oldestWritten()
	assert.False(t, ok, "queued entries must not count as written")

	wroteAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	w.markWritten(2, wroteAt)
	oldest, ok := w.oldestWritten()
	assert.True(t, ok, "written entry must be found")
	assert.Equal(t, uint32(2), oldest.seq, "oldest written entry must be returned")
	assert.Equal(t, wroteAt, oldest.writtenAt, "write time must be recorded")

	// Acks remove everything at or below the acked sequence id.
	assert.Equal(t, 2, w.ackTo(2), "ack must remove entries up to the acked id")
	assert.Equal(t, 1, w.len(), "later entries must stay")
	assert.Equal(t, uint32(3), w.entries[0].seq, "unacked entry must remain")

	// Stale acks are a no-op.
	assert.Equal(t, 0, w.ackTo(1), "stale ack must remove nothing")
	assert.Equal(t, 1, w.ackTo(10), "ack beyond the window clears it")
	assert.Equal(t, 0, w.len(), "window must be empty")
}
