package router

import "context"

// Transport is the byte-exchange interface a session rides on: any
// reliable point-to-point byte channel a distributed router session can
// use (TCP today, QueueTransport for store-and-forward relay below).
type Transport interface {
	// Send writes one already-framed message to the peer.
	Send(ctx context.Context, data []byte) error
	// Recv blocks for the next message from the peer.
	Recv(ctx context.Context) ([]byte, error)
	// Close terminates the transport.
	Close() error
}
