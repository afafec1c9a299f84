package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState mirrors a remote node's connection lifecycle: sessions
// move through Disconnected → Connecting → Connected, and may fall back
// to Reconnecting or Failed.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one cross-node link: a Noise-secured Transport plus
// send/receive message counters and an RTT estimate. The counters are
// only incremented; nothing compares them, so loss and reordering are not
// detected and nothing is replayed after a reconnect.
// It carries whole request/response messages rather than a raw
// net.Conn-shaped byte stream.
type Session struct {
	nodeID    uint64
	transport Transport
	hs        *handshake

	sendSeq atomic.Uint64
	recvSeq atomic.Uint64

	mu    sync.Mutex
	state SessionState

	// rttEWMA is an exponentially-weighted moving average of observed
	// round-trip latencies in nanoseconds, updated on every matched
	// Request/Response pair.
	rttEWMA atomic.Int64

	lastActive atomic.Int64
}

const rttAlpha = 0.125 // matches the classic TCP SRTT smoothing factor (RFC 6298)

func newSession(nodeID uint64, t Transport, hs *handshake) *Session {
	s := &Session{nodeID: nodeID, transport: t, hs: hs, state: StateConnecting}
	s.lastActive.Store(time.Now().UnixNano())
	return s
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// RTT returns the current smoothed round-trip estimate, or zero if no
// sample has been observed yet.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.rttEWMA.Load())
}

func (s *Session) observeRTT(sample time.Duration) {
	for {
		old := s.rttEWMA.Load()
		var next int64
		if old == 0 {
			next = int64(sample)
		} else {
			next = int64((1-rttAlpha)*float64(old) + rttAlpha*float64(sample))
		}
		if s.rttEWMA.CompareAndSwap(old, next) {
			return
		}
	}
}

// send seals and transmits one encoded DistributedMessage, then bumps
// sendSeq. sendSeq/recvSeq are per-session counters, independent of msg_id
// (the request correlation key owned by the Router).
func (s *Session) send(ctx context.Context, wire []byte) error {
	sealed, err := s.hs.seal(wire)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, sealed); err != nil {
		return err
	}
	s.sendSeq.Add(1)
	s.lastActive.Store(time.Now().UnixNano())
	return nil
}

func (s *Session) recv(ctx context.Context) ([]byte, error) {
	sealed, err := s.transport.Recv(ctx)
	if err != nil {
		return nil, err
	}
	wire, err := s.hs.open(sealed)
	if err != nil {
		return nil, err
	}
	s.recvSeq.Add(1)
	s.lastActive.Store(time.Now().UnixNano())
	return wire, nil
}

func (s *Session) close() error {
	s.setState(StateDisconnected)
	return s.transport.Close()
}
