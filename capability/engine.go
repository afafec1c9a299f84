// Package capability implements Splax's unforgeable capability system.
// Every privileged operation elsewhere in this module is mediated by an
// Engine: mint, derive (grant), check, and revoke.
package capability

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/kernel/metrics"
)

// MaxDelegation bounds derivation-chain depth.
const MaxDelegation = 32

// AuditSink receives grant/revoke events for external, durable
// inspection. It is never consulted to reconstitute capabilities:
// capabilities never persist to disk across reboots.
type AuditSink interface {
	RecordGrant(token Token, resourceType ResourceType, resourceID uint64, ops Operation, parent *Token)
	RecordRevoke(token Token, cascadeCount int)
}

// EvictionChecker reports whether a node id has been evicted from the
// cluster; Deserialize consults it to reject tokens from evicted origins.
type EvictionChecker func(originNode uint64) bool

// Option configures an Engine, following this module's WithXxx convention.
type Option func(*Engine)

// WithAuditSink attaches a durable audit log for grant/revoke events.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithMetrics attaches a metrics.Sink; the default is metrics.Noop{}.
func WithMetrics(sink metrics.Sink) Option {
	return func(e *Engine) { e.metrics = sink }
}

// WithLogger attaches a logrus.Logger; the default is the standard logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSigningKey sets the per-node key used to sign serialized tokens. If
// omitted, NewEngine generates a random one.
func WithSigningKey(key []byte) Option {
	return func(e *Engine) { e.signingKey = append([]byte(nil), key...) }
}

// Engine is the capability table: a single process-wide subsystem struct
// reachable through one handle, never a hidden package-level singleton.
type Engine struct {
	mu sync.RWMutex

	byToken map[Token]*record

	nodeID     uint64
	signingKey []byte
	sealed     bool

	audit   AuditSink
	metrics metrics.Sink
	log     *logrus.Logger
}

// NewEngine creates a capability engine for the given origin node id.
func NewEngine(nodeID uint64, opts ...Option) (*Engine, error) {
	e := &Engine{
		byToken: make(map[Token]*record),
		nodeID:  nodeID,
		metrics: metrics.Noop{},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.signingKey == nil {
		key, err := newToken() // 32 random bytes, reused as a key source
		if err != nil {
			return nil, err
		}
		e.signingKey = key[:]
	}
	return e, nil
}

// MintRoot mints a new root token for a resource, under this engine's
// origin authority. It is callable as many times as boot-time code needs
// (once per bootstrapped resource namespace: the root channel authority,
// the root storage authority, ...). Once Seal has been called, every
// further MintRoot call is refused with ErrNotRootAuthority, since root
// authority only exists during boot.
func (e *Engine) MintRoot(resourceType ResourceType, resourceID uint64, ops Operation) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return Token{}, ErrNotRootAuthority
	}

	tok, err := newToken()
	if err != nil {
		return Token{}, err
	}
	e.byToken[tok] = &record{
		resourceType: resourceType,
		resourceID:   resourceID,
		ops:          ops,
		depth:        0,
		originNode:   e.nodeID,
	}
	e.metrics.IncrCounter("capability.minted", 1)
	if e.audit != nil {
		e.audit.RecordGrant(tok, resourceType, resourceID, ops, nil)
	}
	e.log.WithFields(logrus.Fields{"resource_type": resourceType, "ops": ops}).Info("capability: minted root token")
	return tok, nil
}

// Grant derives a child token from parent with a subset of its
// operations: fails if ops aren't a subset, if depth would exceed
// MaxDelegation, or if parent is revoked or expired as of now.
func (e *Engine) Grant(parent Token, ops Operation, expires *uint64, now uint64) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pr, ok := e.byToken[parent]
	if !ok {
		return Token{}, denied(KindUnknown)
	}
	if pr.revoked {
		return Token{}, denied(KindRevoked)
	}
	if pr.expires != nil && now > *pr.expires {
		return Token{}, denied(KindExpired)
	}
	if !pr.ops.Subset(ops) {
		return Token{}, denied(KindInsufficientOps)
	}
	if pr.depth+1 > MaxDelegation {
		return Token{}, denied(KindDepthExceeded)
	}

	tok, err := newToken()
	if err != nil {
		return Token{}, err
	}
	parentCopy := parent
	e.byToken[tok] = &record{
		resourceType: pr.resourceType,
		resourceID:   pr.resourceID,
		ops:          ops,
		parent:       &parentCopy,
		depth:        pr.depth + 1,
		expires:      expires,
		originNode:   pr.originNode,
	}
	pr.children = append(pr.children, tok)

	e.metrics.IncrCounter("capability.granted", 1)
	if e.audit != nil {
		e.audit.RecordGrant(tok, pr.resourceType, pr.resourceID, ops, &parentCopy)
	}
	return tok, nil
}

// Check validates token authorizes requiredOp at the given tick (caller
// supplied, monotonic). It never blocks — denial is always an immediate
// error return, never a wait.
func (e *Engine) Check(token Token, requiredOp Operation, now uint64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.byToken[token]
	if !ok {
		return denied(KindUnknown)
	}
	if r.revoked {
		return denied(KindRevoked)
	}
	if r.expires != nil && now > *r.expires {
		return denied(KindExpired)
	}
	if !r.ops.Subset(requiredOp) {
		return denied(KindInsufficientOps)
	}
	return nil
}

// Transfer moves token's authority to a freshly minted token with the same
// resource, ops, and expiry, then revokes token itself — but unlike a plain
// Grant/Revoke pair, the new token does not hang off token as a child, so
// revoking token transfers ownership rather than cascading the revocation
// onto its replacement. Used when a capability changes hands (e.g. an IPC
// message carrying it moves from sender to receiver): the sender's
// reference stops working, the new holder's does not, until it too is
// transferred or revoked.
func (e *Engine) Transfer(token Token, now uint64) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.byToken[token]
	if !ok {
		return Token{}, denied(KindUnknown)
	}
	if r.revoked {
		return Token{}, denied(KindRevoked)
	}
	if r.expires != nil && now > *r.expires {
		return Token{}, denied(KindExpired)
	}

	tok, err := newToken()
	if err != nil {
		return Token{}, err
	}
	e.byToken[tok] = &record{
		resourceType: r.resourceType,
		resourceID:   r.resourceID,
		ops:          r.ops,
		parent:       r.parent,
		depth:        r.depth,
		expires:      r.expires,
		originNode:   r.originNode,
		children:     r.children,
	}
	r.children = nil
	r.revoked = true

	e.metrics.IncrCounter("capability.transferred", 1)
	if e.audit != nil {
		e.audit.RecordRevoke(token, 1)
		e.audit.RecordGrant(tok, r.resourceType, r.resourceID, r.ops, r.parent)
	}
	return tok, nil
}

// Revoke marks token and every descendant revoked in a single atomic step.
// Idempotent: revoking an already-revoked token (or its descendants) is a
// no-op that still returns nil.
func (e *Engine) Revoke(token Token) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	root, ok := e.byToken[token]
	if !ok {
		return denied(KindUnknown)
	}

	count := 0
	queue := []*record{root}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if r.revoked {
			continue
		}
		r.revoked = true
		count++
		for _, childTok := range r.children {
			if cr, ok := e.byToken[childTok]; ok {
				queue = append(queue, cr)
			}
		}
	}

	e.metrics.IncrCounter("capability.revoked", int64(count))
	if e.audit != nil {
		e.audit.RecordRevoke(token, count)
	}
	return nil
}

// Depth returns the derivation depth of token, for tests and callers that
// want to verify capability monotonicity across a derivation chain.
func (e *Engine) Depth(token Token) (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byToken[token]
	if !ok {
		return 0, denied(KindUnknown)
	}
	return r.depth, nil
}

// Seal closes this engine's root authority: every subsequent MintRoot call
// fails with ErrNotRootAuthority. Boot code calls Seal once all bootstrap
// resource namespaces (channels, storage, wasm, ...) have their root
// tokens. Idempotent.
func (e *Engine) Seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// Ops returns the operation bitmask token currently authorizes.
func (e *Engine) Ops(token Token) (Operation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byToken[token]
	if !ok {
		return 0, denied(KindUnknown)
	}
	return r.ops, nil
}

// Resource returns the (resourceType, resourceID) token is scoped to, so
// callers can map a capability back to the subsystem object it authorizes
// (a channel id, a mount's device, a WASM module id, ...).
func (e *Engine) Resource(token Token) (ResourceType, uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byToken[token]
	if !ok {
		return 0, 0, denied(KindUnknown)
	}
	return r.resourceType, r.resourceID, nil
}
