package frame

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/tevino/abool"
)

// Frame V1:
// --- 14B header
// - Version (uint8)
// - Kind (uint8)
// - Sequence ID (uint32)
// - Ack ID (uint32; zero for nothing to acknowledge)
// - Payload Length (uint32)
// --- ~B
// - Payload []byte (only for Data and Hello frames)

// Encode returns the wire encoding of the given frame.
func Encode(f Frame) []byte {
	return Append(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Append appends the wire encoding of the given frame to dst.
func Append(dst []byte, f Frame) []byte {
	dst = append(dst, V1, uint8(f.Kind))
	dst = binary.BigEndian.AppendUint32(dst, f.Seq)
	dst = binary.BigEndian.AppendUint32(dst, f.Ack)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}

// Decoder turns a byte stream back into frames.
// It reassembles frames that arrive split over multiple reads and splits
// reads that carry multiple frames. A Decoder must not be shared across
// goroutines.
type Decoder struct {
	buf    []byte
	failed abool.AtomicBool
}

// NewDecoder returns a new decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the given bytes and returns all frames completed by them,
// in order. It never blocks. A returned error is a fatal framing error:
// the byte stream is out of sync and must be considered dead.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if d.failed.IsSet() {
		return nil, ErrDecoderFailed
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		f, ok, err := d.next()
		if err != nil {
			d.failed.Set()
			d.buf = nil
			return frames, err
		}
		if !ok {
			break
		}
		frames = append(frames, f)
	}

	// Release the buffer when fully consumed to not hold on to big reads.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the fed bytes not yet consumed by a decoded frame.
// Used to hand leftover bytes over when the stream changes owners.
func (d *Decoder) Buffered() []byte {
	return d.buf
}

func (d *Decoder) next() (f Frame, ok bool, err error) {
	if len(d.buf) < HeaderSize {
		return Frame{}, false, nil
	}

	// Check header.
	if d.buf[0] != V1 {
		return Frame{}, false, fmt.Errorf("%w: %d", ErrUnsupportedFrameVersion, d.buf[0])
	}
	kind := Kind(d.buf[1])
	if !kind.valid() {
		return Frame{}, false, fmt.Errorf("%w: %d", ErrUnknownKind, d.buf[1])
	}
	payloadLen := binary.BigEndian.Uint32(d.buf[10:14])
	if payloadLen > MaxPayloadSize {
		return Frame{}, false, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, payloadLen)
	}

	// Wait for the full frame.
	frameLen := HeaderSize + int(payloadLen)
	if len(d.buf) < frameLen {
		return Frame{}, false, nil
	}

	f = Frame{
		Kind: kind,
		Seq:  binary.BigEndian.Uint32(d.buf[2:6]),
		Ack:  binary.BigEndian.Uint32(d.buf[6:10]),
	}
	if payloadLen > 0 {
		// Copy the payload, as the read buffer is reused.
		f.Payload = slices.Clone(d.buf[HeaderSize:frameLen])
	}
	d.buf = d.buf[frameLen:]
	return f, true, nil
}
