package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwire/seqwire/frame"
	"github.com/seqwire/seqwire/stream"
)

func TestAwaitHello(t *testing.T) {
	t.Parallel()

	pa, pb := stream.NewPipe()

	var (
		gotFrame    frame.Frame
		gotLeftover []byte
		gotErr      error
		completed   int
	)
	awaitHello(pb, func(f frame.Frame, leftover []byte, err error) {
		gotFrame, gotLeftover, gotErr = f, leftover, err
		completed++
	})

	// The hello arrives bundled with a full data frame and the head of
	// another one. Everything after the hello is leftover, in wire order.
	hello, err := encodeHelloRequest(helloRequest{ID: "abc", Resume: true})
	require.NoError(t, err, "encode must succeed")
	extra := frame.Encode(frame.Frame{Kind: frame.KindData, Seq: 1, Payload: []byte("already data")})
	partial := frame.Encode(frame.Frame{Kind: frame.KindData, Seq: 2, Payload: []byte("split")})[:frame.HeaderSize+2]

	bundle := append(append(append([]byte{}, hello...), extra...), partial...)
	require.NoError(t, pa.Write(bundle), "write must succeed")

	require.Equal(t, 1, completed, "complete must be called exactly once")
	require.NoError(t, gotErr, "handshake read must succeed")

	req, err := parseHelloRequest(gotFrame)
	require.NoError(t, err, "hello request must parse")
	assert.Equal(t, helloRequest{ID: "abc", Resume: true}, req, "request must roundtrip")
	assert.Equal(t, append(append([]byte{}, extra...), partial...), gotLeftover,
		"leftover must hold everything after the hello")

	// Later writes must not re-trigger the completed handshake.
	require.NoError(t, pa.Write([]byte("more")), "write must succeed")
	assert.Equal(t, 1, completed, "complete must not fire again")
}

func TestAwaitHelloErrors(t *testing.T) {
	t.Parallel()

	// Garbage on the wire fails the handshake.
	pa, pb := stream.NewPipe()
	var gotErr error
	awaitHello(pb, func(f frame.Frame, leftover []byte, err error) {
		gotErr = err
	})
	require.NoError(t, pa.Write([]byte("GET / HTTP/1.1\r\n\r\n")), "write must succeed")
	assert.ErrorIs(t, gotErr, ErrHandshakeFailed, "garbage must fail the handshake")

	// A dying stream fails the handshake.
	pa, pb = stream.NewPipe()
	gotErr = nil
	awaitHello(pb, func(f frame.Frame, leftover []byte, err error) {
		gotErr = err
	})
	pa.Dispose()
	assert.ErrorIs(t, gotErr, ErrHandshakeFailed, "a closed stream must fail the handshake")

	// A non-hello first frame is rejected by the request parser.
	_, err := parseHelloRequest(frame.Frame{Kind: frame.KindData, Seq: 1})
	assert.ErrorIs(t, err, ErrHandshakeFailed, "non-hello frame must be rejected")
}
