package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/capability"
	"github.com/splax-s/splax/kernel/metrics"
)

// Handler processes an inbound DistributedMessage addressed to a local
// channel and returns the reply payload for request/response messages.
type Handler func(ctx context.Context, msg *DistributedMessage) ([]byte, error)

// Option configures a Router, following the functional-options shape used
// throughout this module.
type Option func(*Router)

// WithLogger overrides the Router's logger.
func WithLogger(log *logrus.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithMetrics overrides the Router's metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(r *Router) { r.metrics = m }
}

// WithReconnect sets the Router's reconnect backoff bounds. No Router code
// path reads them: a session that drops is dialed again, without backoff,
// by the next Send or Request to its node.
func WithReconnect(fast, steady time.Duration) Option {
	return func(r *Router) { r.fastReconnect, r.steadyReconnect = fast, steady }
}

// pendingRequest is a Request awaiting its correlated Response.
type pendingRequest struct {
	replyCh chan *DistributedMessage
	sentAt  time.Time
}

// Router is the distributed extension of the local channel hub: it
// resolves a GlobalChannelID's node component to a Session, seals/sends
// DistributedMessages, matches Responses to outstanding Requests by msg_id,
// and dispatches inbound Requests to locally registered Handlers.
type Router struct {
	nodeID uint64
	cap    *capability.Engine
	log    *logrus.Logger
	metrics metrics.Sink

	fastReconnect   time.Duration
	steadyReconnect time.Duration

	mu       sync.RWMutex
	sessions map[uint64]*Session
	dialers  map[uint64]func(ctx context.Context) (Transport, error)

	handlersMu sync.RWMutex
	handlers   map[uint64]Handler

	pending sync.Map // msg_id -> *pendingRequest

	nextMsgID uint64
	idMu      sync.Mutex
}

// New builds a Router for the local node identified by nodeID.
func New(nodeID uint64, ce *capability.Engine, opts ...Option) *Router {
	r := &Router{
		nodeID:          nodeID,
		cap:             ce,
		log:             logrus.StandardLogger(),
		metrics:         metrics.Noop{},
		fastReconnect:   DefaultFastReconnect,
		steadyReconnect: DefaultSteadyReconnect,
		sessions:        make(map[uint64]*Session),
		dialers:         make(map[uint64]func(ctx context.Context) (Transport, error)),
		handlers:        make(map[uint64]Handler),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterHandler binds a local channel id to the Handler invoked for every
// inbound request addressed to it.
func (r *Router) RegisterHandler(channel uint64, h Handler) {
	r.handlersMu.Lock()
	r.handlers[channel] = h
	r.handlersMu.Unlock()
}

// RegisterDialer tells the router how to establish an outbound Transport to
// nodeID on demand (dialed by the first Send or Request to nodeID, and
// dialed again by a later one once the session has left Connected).
func (r *Router) RegisterDialer(nodeID uint64, dial func(ctx context.Context) (Transport, error)) {
	r.mu.Lock()
	r.dialers[nodeID] = dial
	r.mu.Unlock()
}

// AdoptSession installs an already-handshaken Session for an inbound
// (accepted) connection, e.g. one produced by a listener loop.
func (r *Router) AdoptSession(s *Session) {
	s.setState(StateConnected)
	r.mu.Lock()
	r.sessions[s.nodeID] = s
	r.mu.Unlock()
	go r.readLoop(s)
}

func (r *Router) nextID() uint64 {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	r.nextMsgID++
	return r.nextMsgID
}

// sessionFor returns a Connected session to nodeID, dialing and
// handshaking one if necessary.
func (r *Router) sessionFor(ctx context.Context, nodeID uint64) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[nodeID]
	r.mu.RUnlock()
	if ok && s.State() == StateConnected {
		return s, nil
	}

	r.mu.RLock()
	dial, ok := r.dialers[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNodeNotFound
	}

	t, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	hs, err := newHandshake(sessionCipherSuite, true)
	if err != nil {
		return nil, err
	}
	if err := r.performClientHandshake(ctx, t, hs); err != nil {
		_ = t.Close()
		return nil, err
	}

	ns := newSession(nodeID, t, hs)
	ns.setState(StateConnected)
	r.mu.Lock()
	r.sessions[nodeID] = ns
	r.mu.Unlock()
	go r.readLoop(ns)
	return ns, nil
}

func (r *Router) performClientHandshake(ctx context.Context, t Transport, hs *handshake) error {
	msg1, err := hs.writeMessage(nil)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, msg1); err != nil {
		return err
	}
	msg2, err := t.Recv(ctx)
	if err != nil {
		return err
	}
	if _, err := hs.readMessage(msg2); err != nil {
		return err
	}
	return nil
}

// PerformServerHandshake drives the responder side of the Noise NN
// handshake over an already-accepted Transport and returns a Connected
// Session for peerNodeID.
func (r *Router) PerformServerHandshake(ctx context.Context, peerNodeID uint64, t Transport) (*Session, error) {
	hs, err := newHandshake(sessionCipherSuite, false)
	if err != nil {
		return nil, err
	}
	msg1, err := t.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := hs.readMessage(msg1); err != nil {
		return nil, err
	}
	msg2, err := hs.writeMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := t.Send(ctx, msg2); err != nil {
		return nil, err
	}
	return newSession(peerNodeID, t, hs), nil
}

// Send transmits a fire-and-forget (oneway) message to dst.
func (r *Router) Send(ctx context.Context, dst GlobalChannelID, payload []byte, caps []capability.Token) error {
	_, err := r.deliver(ctx, dst, payload, caps, FlagOneway, 0)
	return err
}

// Request sends payload to dst and blocks until the matching Response
// arrives or timeout elapses.
func (r *Router) Request(ctx context.Context, dst GlobalChannelID, payload []byte, caps []capability.Token, timeout time.Duration) (*DistributedMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	replyCh := make(chan *DistributedMessage, 1)
	msgID := r.nextID()
	r.pending.Store(msgID, &pendingRequest{replyCh: replyCh, sentAt: time.Now()})
	defer r.pending.Delete(msgID)

	if _, err := r.deliver(ctx, dst, payload, caps, FlagRequest, msgID); err != nil {
		return nil, err
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) deliver(ctx context.Context, dst GlobalChannelID, payload []byte, caps []capability.Token, flags uint32, msgID uint64) (*Session, error) {
	if len(payload) > MaxPayload {
		return nil, ErrMessageTooLarge
	}
	if msgID == 0 {
		msgID = r.nextID()
	}

	serializedCaps, err := attachCaps(r.cap, caps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityDenied, err)
	}

	s, err := r.sessionFor(ctx, dst.Node)
	if err != nil {
		return nil, err
	}

	msg := &DistributedMessage{
		MsgID:          msgID,
		Src:            GlobalChannelID{Node: r.nodeID},
		Dst:            dst,
		Timestamp:      uint64(time.Now().UnixNano()),
		Flags:          flags | FlagEncrypted,
		Payload:        payload,
		SerializedCaps: serializedCaps,
	}
	wire, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, wire); err != nil {
		r.metrics.IncrCounter("router_send_errors", 1)
		return nil, err
	}
	r.metrics.IncrCounter("router_messages_sent", 1)
	return s, nil
}

// readLoop pumps inbound wire messages off a session, matching Responses
// to pending Requests and dispatching Requests/Oneways to the registered
// Handler for their destination channel.
func (r *Router) readLoop(s *Session) {
	ctx := context.Background()
	for {
		wire, err := s.recv(ctx)
		if err != nil {
			s.setState(StateReconnecting)
			r.log.WithError(err).WithField("node", s.nodeID).Warn("router: session read failed")
			return
		}
		msg, err := Decode(wire)
		if err != nil {
			r.log.WithError(err).Warn("router: dropping malformed message")
			continue
		}
		r.handleInbound(ctx, s, msg)
	}
}

func (r *Router) handleInbound(ctx context.Context, s *Session, msg *DistributedMessage) {
	if msg.Flags&FlagResponse != 0 {
		if v, ok := r.pending.Load(msg.MsgID); ok {
			p := v.(*pendingRequest)
			s.observeRTT(time.Since(p.sentAt))
			select {
			case p.replyCh <- msg:
			default:
			}
		}
		return
	}

	r.handlersMu.RLock()
	h, ok := r.handlers[msg.Dst.Channel]
	r.handlersMu.RUnlock()
	if !ok {
		r.log.WithField("channel", msg.Dst.Channel).Warn("router: no handler for channel")
		return
	}

	reply, err := h(ctx, msg)
	if err != nil {
		r.log.WithError(err).Warn("router: handler failed")
		return
	}
	if msg.Flags&FlagRequest == 0 || reply == nil {
		return
	}

	resp := &DistributedMessage{
		MsgID:     msg.MsgID,
		Src:       msg.Dst,
		Dst:       msg.Src,
		Timestamp: uint64(time.Now().UnixNano()),
		Flags:     FlagResponse | FlagEncrypted,
		Payload:   reply,
	}
	wire, err := resp.Encode()
	if err != nil {
		return
	}
	if err := s.send(ctx, wire); err != nil {
		r.log.WithError(err).Warn("router: failed to send response")
	}
}

// Close tears down every session the router holds open.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		_ = s.close()
	}
	return nil
}
