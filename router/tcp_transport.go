package router

import (
	"context"
	"encoding/binary"
	"io"
	"net"
)

// TCPTransport frames messages over a net.Conn with a 4-byte big-endian
// length prefix. A distributed router session carries exactly one
// message type (a sealed DistributedMessage), so there is no separate
// type tag to frame.
type TCPTransport struct {
	conn net.Conn
}

// NewTCPTransport wraps an already-dialed or accepted net.Conn.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn}
}

func (t *TCPTransport) Send(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := t.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(data)
	return err
}

func (t *TCPTransport) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *TCPTransport) Close() error { return t.conn.Close() }

var _ Transport = (*TCPTransport)(nil)
