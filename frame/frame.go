package frame

import "errors"

const (
	// V1 is frame version 1.
	V1 = 1

	// HeaderSize is the size of the fixed frame header:
	// version, kind, sequence id, ack id, payload length.
	HeaderSize = 1 + 1 + 4 + 4 + 4

	// MaxPayloadSize is the maximum allowed payload size of a single frame.
	MaxPayloadSize = 1 << 24

	// NoAck is the ack id value for "nothing to acknowledge".
	NoAck = 0
)

// Errors.
var (
	ErrUnsupportedFrameVersion = errors.New("unsupported frame version")
	ErrUnknownKind             = errors.New("unknown frame kind")
	ErrPayloadTooBig           = errors.New("frame payload too big")
	ErrDecoderFailed           = errors.New("decoder has failed previously")
)

// Frame is one self-delimited unit of the wire encoding.
// Seq is only set on frames that must be acknowledged, Ack piggybacks the
// highest contiguous sequence id this side has fully received.
type Frame struct {
	Kind    Kind
	Seq     uint32
	Ack     uint32
	Payload []byte
}

// Kind designates the kind of a frame.
type Kind uint8

// Frame Kinds.
const (
	KindData           Kind = 1 // application payload, sequenced
	KindAck            Kind = 2 // standalone acknowledgement
	KindPause          Kind = 3 // request peer to stop writing, sequenced
	KindResume         Kind = 4 // request peer to resume writing, sequenced
	KindKeepAlive      Kind = 5 // keepalive probe, sequenced
	KindKeepAliveReply Kind = 6 // immediate reply to a keepalive probe
	KindDisconnect     Kind = 7 // graceful disconnect notice
	KindHello          Kind = 8 // connection handshake, handled by the hub
)

// Sequenced returns whether frames of this kind are assigned a sequence id
// and require acknowledgement by the peer.
func (k Kind) Sequenced() bool {
	switch k {
	case KindData, KindPause, KindResume, KindKeepAlive:
		return true
	case KindAck, KindKeepAliveReply, KindDisconnect, KindHello:
		return false
	default:
		return false
	}
}

func (k Kind) valid() bool {
	return k >= KindData && k <= KindHello
}

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindAck:
		return "Ack"
	case KindPause:
		return "Pause"
	case KindResume:
		return "Resume"
	case KindKeepAlive:
		return "KeepAlive"
	case KindKeepAliveReply:
		return "KeepAliveReply"
	case KindDisconnect:
		return "Disconnect"
	case KindHello:
		return "Hello"
	default:
		return "Unknown"
	}
}
