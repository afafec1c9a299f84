package router

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/splax-s/splax/capability"
)

func newTestCapEngine(t *testing.T, nodeID uint64) *capability.Engine {
	t.Helper()
	ce, err := capability.NewEngine(nodeID)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return ce
}

// TestRequestResponseRoundTrip exercises a full Noise handshake over an
// in-memory pipe between two Routers, then a Request whose Handler reverses
// the payload and returns it as the Response.
func TestRequestResponseRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientTransport := NewTCPTransport(clientConn)
	serverTransport := NewTCPTransport(serverConn)

	const nodeA, nodeB, channel = uint64(1), uint64(2), uint64(42)

	routerA := New(nodeA, newTestCapEngine(t, nodeA))
	routerB := New(nodeB, newTestCapEngine(t, nodeB))

	routerB.RegisterHandler(channel, func(ctx context.Context, msg *DistributedMessage) ([]byte, error) {
		reversed := make([]byte, len(msg.Payload))
		for i, b := range msg.Payload {
			reversed[len(msg.Payload)-1-i] = b
		}
		return reversed, nil
	})

	serverReady := make(chan struct{})
	go func() {
		ctx := context.Background()
		sess, err := routerB.PerformServerHandshake(ctx, nodeA, serverTransport)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			close(serverReady)
			return
		}
		routerB.AdoptSession(sess)
		close(serverReady)
	}()

	routerA.RegisterDialer(nodeB, func(ctx context.Context) (Transport, error) {
		return clientTransport, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := routerA.Request(ctx, GlobalChannelID{Node: nodeB, Channel: channel}, []byte("hello"), nil, 2*time.Second)
	<-serverReady
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !bytes.Equal(resp.Payload, []byte("olleh")) {
		t.Fatalf("got payload %q, want %q", resp.Payload, "olleh")
	}
}

// TestRequestFailsFastOnUnknownNode checks that addressing a node with no
// registered dialer and no live session fails immediately rather than
// hanging for the full request timeout.
func TestRequestFailsFastOnUnknownNode(t *testing.T) {
	routerA := New(1, newTestCapEngine(t, 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := routerA.Request(ctx, GlobalChannelID{Node: 99, Channel: 1}, []byte("x"), nil, 0)
	if err != ErrNodeNotFound {
		t.Fatalf("got err %v, want ErrNodeNotFound", err)
	}
}

// TestRequestTimesOutOnUnresponsivePeer verifies that a peer which completes
// the transport connection but never answers causes Request to return
// ErrTimeout within its configured bound, not hang indefinitely.
func TestRequestTimesOutOnUnresponsivePeer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientTransport := NewTCPTransport(clientConn)
	serverTransport := NewTCPTransport(serverConn)

	const nodeA, nodeB = uint64(1), uint64(2)
	routerA := New(nodeA, newTestCapEngine(t, nodeA))
	routerB := New(nodeB, newTestCapEngine(t, nodeB))
	// No handler registered on routerB for any channel: requests arrive
	// and are logged as unhandled, but no response is ever sent back.

	go func() {
		ctx := context.Background()
		sess, err := routerB.PerformServerHandshake(ctx, nodeA, serverTransport)
		if err == nil {
			routerB.AdoptSession(sess)
		}
	}()

	routerA.RegisterDialer(nodeB, func(ctx context.Context) (Transport, error) {
		return clientTransport, nil
	})

	start := time.Now()
	_, err := routerA.Request(context.Background(), GlobalChannelID{Node: nodeB, Channel: 7}, []byte("ping"), nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	if err != ErrTimeout {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Request took %v, expected to bound near its 200ms timeout", elapsed)
	}
}

// TestWireEncodeDecodeRoundTrip checks the little-endian DistributedMessage
// framing independent of any transport or session.
func TestWireEncodeDecodeRoundTrip(t *testing.T) {
	msg := &DistributedMessage{
		MsgID:          7,
		Src:            GlobalChannelID{Node: 1, Channel: 2},
		Dst:            GlobalChannelID{Node: 3, Channel: 4},
		Timestamp:      123456789,
		Flags:          FlagRequest,
		Payload:        []byte("payload"),
		SerializedCaps: [][]byte{[]byte("cap-a"), []byte("cap-b")},
	}
	wire, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MsgID != msg.MsgID || got.Src != msg.Src || got.Dst != msg.Dst || got.Flags != msg.Flags {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, msg.Payload)
	}
	if len(got.SerializedCaps) != 2 {
		t.Fatalf("got %d caps, want 2", len(got.SerializedCaps))
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err != ErrInvalidMessage {
		t.Fatalf("got err %v, want ErrInvalidMessage", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	msg := &DistributedMessage{Payload: make([]byte, MaxPayload+1)}
	if _, err := msg.Encode(); err != ErrMessageTooLarge {
		t.Fatalf("got err %v, want ErrMessageTooLarge", err)
	}
}
