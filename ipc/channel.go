// Package ipc implements Splax's in-node zero-copy IPC bus: bounded,
// typed channels carrying bytes and capabilities between tasks on the
// same node.
package ipc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/capability"
	"github.com/splax-s/splax/kernel/metrics"
)

type channel struct {
	id       uint64
	policy   Policy
	capacity int

	mu      sync.Mutex
	notify  *sync.Cond
	queue   []Message
	closed  bool
	highWater int
}

func newChannel(id uint64, policy Policy, capacity int) *channel {
	c := &channel{id: id, policy: policy, capacity: capacity}
	c.notify = sync.NewCond(&c.mu)
	return c
}

// enqueue appends msg, applying the channel's full-queue Policy. revokeFn is
// called (with the mutex held) once for each message dropped under
// PolicyDropOldest, so the caller can revoke its attached capabilities.
func (c *channel) enqueue(msg Message, blocking bool, revokeFn func(Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return ErrChannelClosed
		}
		if len(c.queue) < c.capacity {
			break
		}
		switch c.policy {
		case PolicyDropOldest:
			oldest := c.queue[0]
			c.queue = c.queue[1:]
			revokeFn(oldest)
		case PolicyReject:
			return ErrQueueFull
		case PolicyBlock:
			if !blocking {
				return ErrQueueFull
			}
			c.notify.Wait()
			continue
		}
		break
	}

	c.queue = append(c.queue, msg)
	if len(c.queue) > c.highWater {
		c.highWater = len(c.queue)
	}
	c.notify.Broadcast()
	return nil
}

func (c *channel) dequeue(blocking bool) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.queue) == 0 {
		if c.closed {
			return Message{}, ErrChannelClosed
		}
		if !blocking {
			return Message{}, ErrQueueEmpty
		}
		c.notify.Wait()
	}

	msg := c.queue[0]
	c.queue = c.queue[1:]
	c.notify.Broadcast()
	return msg, nil
}

// close drains nothing by itself: draining is policy-defined and left to
// the caller inspecting remaining queue depth via Hub.Depth before
// calling Close — the remaining messages stay readable until Recv
// finally observes an empty+closed queue.
func (c *channel) close() {
	c.mu.Lock()
	c.closed = true
	c.notify.Broadcast()
	c.mu.Unlock()
}

// Hub is the process-wide IPC subsystem: the single handle through
// which channels are created, used, and torn down — never a hidden
// package-level singleton.
type Hub struct {
	cap *capability.Engine

	mu      sync.RWMutex
	nextID  uint64
	byID    map[uint64]*channel

	metrics metrics.Sink
	log     *logrus.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics attaches a metrics.Sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(h *Hub) { h.metrics = sink }
}

// WithLogger attaches a logrus.Logger.
func WithLogger(l *logrus.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a channel hub bound to cap, the capability engine every
// channel's producer/consumer tokens are minted from.
func NewHub(cap *capability.Engine, opts ...Option) *Hub {
	h := &Hub{
		cap:     cap,
		byID:    make(map[uint64]*channel),
		metrics: metrics.Noop{},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateChannel creates a bounded channel and returns a producer capability
// (authorizing channel:write) and a consumer capability (authorizing
// channel:read), both derived from a fresh per-channel root so revoking
// either side never affects the other.
func (h *Hub) CreateChannel(policy Policy, capacity int) (producer, consumer capability.Token, err error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := newChannel(id, policy, capacity)
	h.byID[id] = ch
	h.mu.Unlock()

	owner, err := h.cap.MintRoot(capability.ResourceChannel, id, capability.OpRead|capability.OpWrite)
	if err != nil {
		return capability.Token{}, capability.Token{}, err
	}
	producer, err = h.cap.Grant(owner, capability.OpWrite, nil, 0)
	if err != nil {
		return capability.Token{}, capability.Token{}, err
	}
	consumer, err = h.cap.Grant(owner, capability.OpRead, nil, 0)
	if err != nil {
		return capability.Token{}, capability.Token{}, err
	}

	h.metrics.IncrCounter("ipc.channels_created", 1)
	return producer, consumer, nil
}

func (h *Hub) channelFor(token capability.Token, requiredOp capability.Operation) (*channel, error) {
	if err := h.cap.Check(token, requiredOp, 0); err != nil {
		return nil, err
	}
	resType, resID, err := h.cap.Resource(token)
	if err != nil {
		return nil, err
	}
	if resType != capability.ResourceChannel {
		return nil, ErrUnknownChannel
	}
	h.mu.RLock()
	ch, ok := h.byID[resID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownChannel
	}
	return ch, nil
}

// Send moves msg (and any attached capabilities) into the channel
// authorized by producerCap. Attached capabilities are moved, not copied:
// each is transferred to a fresh token that supersedes the sender's, so
// the sender's reference stops working immediately while the token
// Recv eventually returns stays valid for the receiver until it is
// re-sent or dropped.
func (h *Hub) Send(producerCap capability.Token, msg Message, blocking bool) error {
	if len(msg.Payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	ch, err := h.channelFor(producerCap, capability.OpWrite)
	if err != nil {
		return err
	}

	transferred := make([]capability.Token, len(msg.Attached))
	for i, tok := range msg.Attached {
		newTok, terr := h.cap.Transfer(tok, 0)
		if terr != nil {
			for _, t := range transferred[:i] {
				_ = h.cap.Revoke(t)
			}
			return terr
		}
		transferred[i] = newTok
	}
	msg.Attached = transferred

	err = ch.enqueue(msg, blocking, func(dropped Message) {
		for _, tok := range dropped.Attached {
			_ = h.cap.Revoke(tok)
		}
		h.metrics.IncrCounter("ipc.dropped", 1)
	})
	if err != nil {
		for _, tok := range transferred {
			_ = h.cap.Revoke(tok)
		}
		return err
	}

	h.metrics.IncrCounter("ipc.sent", 1)
	return nil
}

// Recv pops the next message available to consumerCap. With blocking=false
// it returns ErrQueueEmpty immediately when nothing is queued.
func (h *Hub) Recv(consumerCap capability.Token, blocking bool) (Message, error) {
	ch, err := h.channelFor(consumerCap, capability.OpRead)
	if err != nil {
		return Message{}, err
	}
	msg, err := ch.dequeue(blocking)
	if err != nil {
		return Message{}, err
	}
	h.metrics.IncrCounter("ipc.received", 1)
	return msg, nil
}

// Close terminates the channel authorized by cap (either endpoint may close
// it). Subsequent Send calls fail; Recv drains remaining messages, then
// returns ErrChannelClosed.
func (h *Hub) Close(cap capability.Token) error {
	ch, err := h.channelFor(cap, 0)
	if err != nil {
		return err
	}
	ch.close()
	h.metrics.IncrCounter("ipc.closed", 1)
	return nil
}

// Depth reports how many messages are currently queued for cap's channel.
func (h *Hub) Depth(cap capability.Token) (int, error) {
	ch, err := h.channelFor(cap, 0)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queue), nil
}
