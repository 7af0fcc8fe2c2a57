package link

import (
	"time"

	"github.com/seqwire/seqwire/frame"
)

// windowEntry is one sent but not yet acknowledged frame.
type windowEntry struct {
	kind    frame.Kind
	seq     uint32
	payload []byte

	// writtenAt is the time the frame bytes actually reached a stream.
	// It stays zero while the frame is only queued, so that frames that
	// never crossed the wire cannot age into a timeout.
	writtenAt time.Time
}

// window is the ordered list of sent but unacknowledged frames.
// Sequence ids are strictly increasing and contiguous.
type window struct {
	entries []windowEntry
}

func (w *window) add(e windowEntry) {
	w.entries = append(w.entries, e)
}

func (w *window) len() int {
	return len(w.entries)
}

// ackTo removes every entry with a sequence id at or below ack.
func (w *window) ackTo(ack uint32) (acked int) {
	for acked < len(w.entries) && w.entries[acked].seq <= ack {
		acked++
	}
	if acked > 0 {
		w.entries = w.entries[acked:]
		if len(w.entries) == 0 {
			w.entries = nil
		}
	}
	return acked
}

// markWritten records the write time of the entry with the given sequence id.
func (w *window) markWritten(seq uint32, at time.Time) {
	for i := range w.entries {
		if w.entries[i].seq == seq {
			w.entries[i].writtenAt = at
			return
		}
	}
}

// oldestWritten returns the oldest entry that actually reached a stream.
func (w *window) oldestWritten() (e windowEntry, ok bool) {
	for _, entry := range w.entries {
		if !entry.writtenAt.IsZero() {
			return entry, true
		}
	}
	return windowEntry{}, false
}
