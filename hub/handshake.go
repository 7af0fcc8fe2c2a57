package hub

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/seqwire/seqwire/frame"
	"github.com/seqwire/seqwire/stream"
)

// helloTimeout is how long a new stream may take to complete the handshake.
const helloTimeout = 10 * time.Second

// Errors.
var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrUnknownConn     = errors.New("unknown connection id")
)

// helloRequest is the first frame body a connecting client sends.
type helloRequest struct {
	// ID is the connection id to resume. Empty for a new connection.
	ID string `cbor:"i,omitempty" json:"i,omitempty"`
	// Resume requests resuming the connection with the given id.
	Resume bool `cbor:"r,omitempty" json:"r,omitempty"`
}

// helloReply is the hub's answer to a hello request.
type helloReply struct {
	OK bool `cbor:"o,omitempty" json:"o,omitempty"`
	// ID is the assigned connection id.
	ID string `cbor:"i,omitempty" json:"i,omitempty"`
	// Resume confirms that the existing connection was resumed.
	Resume bool `cbor:"r,omitempty" json:"r,omitempty"`
	// Error holds the rejection reason when not OK.
	Error string `cbor:"e,omitempty" json:"e,omitempty"`
}

func encodeHelloRequest(req helloRequest) ([]byte, error) {
	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal hello request: %w", err)
	}
	return frame.Encode(frame.Frame{Kind: frame.KindHello, Payload: body}), nil
}

func encodeHelloReply(reply helloReply) ([]byte, error) {
	body, err := cbor.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("marshal hello reply: %w", err)
	}
	return frame.Encode(frame.Frame{Kind: frame.KindHello, Payload: body}), nil
}

// awaitHello binds temporary handlers that decode the first frame off the
// given stream. complete is called exactly once, on the stream's delivery
// goroutine, with the frame and all leftover bytes that arrived after it.
//
// Stream deliveries are sequential, so rebinding the stream's handlers from
// within complete hands the remaining byte flow over without a gap.
func awaitHello(s stream.Stream, complete func(f frame.Frame, leftover []byte, err error)) {
	dec := frame.NewDecoder()
	var done bool

	finish := func(f frame.Frame, leftover []byte, err error) {
		if done {
			return
		}
		done = true
		complete(f, leftover, err)
	}

	s.SetEndHandler(func() {
		finish(frame.Frame{}, nil, fmt.Errorf("%w: stream ended", ErrHandshakeFailed))
	})
	s.SetCloseHandler(func(wasError bool) {
		finish(frame.Frame{}, nil, fmt.Errorf("%w: stream closed", ErrHandshakeFailed))
	})
	s.SetDataHandler(func(b []byte) {
		frames, err := dec.Feed(b)
		if err != nil {
			finish(frame.Frame{}, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
			return
		}
		if len(frames) == 0 {
			return
		}

		// Anything beyond the first frame belongs to whoever takes the
		// stream over, in wire order.
		var leftover []byte
		for _, extra := range frames[1:] {
			leftover = frame.Append(leftover, extra)
		}
		leftover = append(leftover, slices.Clone(dec.Buffered())...)

		finish(frames[0], leftover, nil)
	})
}

func parseHelloRequest(f frame.Frame) (helloRequest, error) {
	if f.Kind != frame.KindHello {
		return helloRequest{}, fmt.Errorf("%w: expected hello, got %s", ErrHandshakeFailed, f.Kind)
	}
	var req helloRequest
	if err := cbor.Unmarshal(f.Payload, &req); err != nil {
		return helloRequest{}, fmt.Errorf("%w: unmarshal hello request: %w", ErrHandshakeFailed, err)
	}
	return req, nil
}

func parseHelloReply(f frame.Frame) (helloReply, error) {
	if f.Kind != frame.KindHello {
		return helloReply{}, fmt.Errorf("%w: expected hello, got %s", ErrHandshakeFailed, f.Kind)
	}
	var reply helloReply
	if err := cbor.Unmarshal(f.Payload, &reply); err != nil {
		return helloReply{}, fmt.Errorf("%w: unmarshal hello reply: %w", ErrHandshakeFailed, err)
	}
	return reply, nil
}
