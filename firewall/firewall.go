package firewall

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"

	"github.com/splax-s/splax/kernel/metrics"
	"github.com/splax-s/splax/netstack"
)

// Firewall owns the three built-in chains plus any custom named chains
// declared via NewCustomChain, and the shared conntrack table every
// chain traversal updates.
type Firewall struct {
	Input, Output, Forward *Chain

	mu        sync.RWMutex
	custom    map[string]*Chain
	conntrack *Table
	metrics   metrics.Sink

	processed, accepted, dropped, rejected, bytes atomic.Uint64
}

// New builds a Firewall with default-Accept built-in chains; override via
// f.Input.Policy = ActionDrop etc. after construction.
func New(opts ...Option) *Firewall {
	f := &Firewall{
		Input:     NewChain("INPUT", ActionAccept),
		Output:    NewChain("OUTPUT", ActionAccept),
		Forward:   NewChain("FORWARD", ActionAccept),
		custom:    make(map[string]*Chain),
		conntrack: NewTable(),
		metrics:   metrics.Noop{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

type Option func(*Firewall)

func WithMetrics(m metrics.Sink) Option { return func(f *Firewall) { f.metrics = m } }

// NewCustomChain declares a named chain reachable via Jump from any other
// chain.
func (f *Firewall) NewCustomChain(name string, policy Action) *Chain {
	c := NewChain(name, policy)
	f.mu.Lock()
	f.custom[name] = c
	f.mu.Unlock()
	return c
}

func (f *Firewall) chainByName(name string) (*Chain, bool) {
	switch name {
	case "INPUT":
		return f.Input, true
	case "OUTPUT":
		return f.Output, true
	case "FORWARD":
		return f.Forward, true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.custom[name]
	return c, ok
}

// chainVerdict is an internal outcome that additionally carries "Return"
// (pop one chain level), which netstack.Verdict has no slot for.
type chainVerdict int

const (
	cvAccept chainVerdict = iota
	cvDrop
	cvReject
	cvReturn
)

// evaluate scans chain in priority order: Accept/Drop/Reject terminate,
// Log falls through, Jump recurses up to MaxJumpDepth, Return pops one
// level, and no match falls back to the chain's policy.
func (f *Firewall) evaluate(chain *Chain, dir netstack.Direction, ctx *packetContext, depth int) chainVerdict {
	if depth > MaxJumpDepth {
		f.metrics.IncrCounter(ErrMaxJumpDepthExceeded.Error(), 1)
		return cvDrop
	}
	for _, r := range chain.snapshot() {
		if !r.matches(dir, ctx) {
			continue
		}
		if r.bucket != nil && !r.bucket.Allow() {
			continue
		}

		atomic.AddUint64(&r.counters.Processed, 1)
		switch r.Action {
		case ActionAccept:
			atomic.AddUint64(&r.counters.Accepted, 1)
			return cvAccept
		case ActionDrop:
			atomic.AddUint64(&r.counters.Dropped, 1)
			return cvDrop
		case ActionReject:
			atomic.AddUint64(&r.counters.Rejected, 1)
			return cvReject
		case ActionLog:
			f.metrics.IncrCounter("firewall_logged_packets", 1)
			continue
		case ActionJump:
			target, ok := f.chainByName(r.JumpChain)
			if !ok {
				continue
			}
			switch v := f.evaluate(target, dir, ctx, depth+1); v {
			case cvReturn:
				continue
			default:
				return v
			}
		case ActionReturn:
			return cvReturn
		}
	}
	switch chain.Policy {
	case ActionDrop:
		return cvDrop
	case ActionReject:
		return cvReject
	default:
		return cvAccept
	}
}

// Check implements netstack.FirewallHook: dispatches to the INPUT or
// OUTPUT chain per direction (FORWARD is exercised by calling Forward
// explicitly from routing code, since netstack's own ingress/egress hook
// only ever needs INPUT/OUTPUT).
func (f *Firewall) Check(dir netstack.Direction, pkt gopacket.Packet) netstack.Verdict {
	ctx := extractContext(pkt, f.conntrack)
	chain := f.Input
	if dir == netstack.DirOutput {
		chain = f.Output
	}

	v := f.evaluate(chain, dir, &ctx, 0)
	f.processed.Add(1)
	f.bytes.Add(uint64(len(pkt.Data())))
	switch v {
	case cvAccept, cvReturn:
		f.accepted.Add(1)
		return netstack.VerdictAccept
	case cvReject:
		f.rejected.Add(1)
		return netstack.VerdictReject
	default:
		f.dropped.Add(1)
		return netstack.VerdictDrop
	}
}

// CheckForward runs the FORWARD chain for a routed (not locally destined)
// packet.
func (f *Firewall) CheckForward(pkt gopacket.Packet) netstack.Verdict {
	ctx := extractContext(pkt, f.conntrack)
	switch f.evaluate(f.Forward, netstack.DirInput, &ctx, 0) {
	case cvAccept, cvReturn:
		return netstack.VerdictAccept
	case cvReject:
		return netstack.VerdictReject
	default:
		return netstack.VerdictDrop
	}
}

// Stats returns the firewall-wide atomic counters.
func (f *Firewall) Stats() (processed, accepted, dropped, rejected uint64) {
	return f.processed.Load(), f.accepted.Load(), f.dropped.Load(), f.rejected.Load()
}

// Sweep ages the conntrack table; call periodically from a background
// goroutine.
func (f *Firewall) Sweep() { f.conntrack.Sweep() }

// Validate checks every Jump target across all chains resolves to a
// declared chain, so a misconfigured ruleset is caught at load time
// rather than silently falling through during evaluate, which must
// always produce a verdict.
func (f *Firewall) Validate() error {
	for _, c := range f.allChains() {
		for _, r := range c.snapshot() {
			if r.Action != ActionJump {
				continue
			}
			if _, ok := f.chainByName(r.JumpChain); !ok {
				return fmt.Errorf("chain %q: %w: %q", c.Name, ErrChainNotFound, r.JumpChain)
			}
		}
	}
	return nil
}

func (f *Firewall) allChains() []*Chain {
	f.mu.RLock()
	defer f.mu.RUnlock()
	chains := []*Chain{f.Input, f.Output, f.Forward}
	for _, c := range f.custom {
		chains = append(chains, c)
	}
	return chains
}

var _ netstack.FirewallHook = (*Firewall)(nil)
