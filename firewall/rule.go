package firewall

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/splax-s/splax/netstack"
)

// Action is the verdict (or control-flow directive) a matched Rule
// produces: Accept, Drop, Reject, Log, Jump(chain), or Return.
type Action int

const (
	ActionAccept Action = iota
	ActionDrop
	ActionReject
	ActionLog
	ActionJump
	ActionReturn
)

// ProtoMatch restricts a Rule to one IP protocol, or any.
type ProtoMatch int

const (
	ProtoAny ProtoMatch = iota
	ProtoTCP
	ProtoUDP
	ProtoICMP
)

// PortMatch is an inclusive port range; zero-value (0,0) matches any port.
type PortMatch struct {
	Lo, Hi uint16
}

func (p PortMatch) matches(port uint16) bool {
	if p.Lo == 0 && p.Hi == 0 {
		return true
	}
	return port >= p.Lo && port <= p.Hi
}

// StateMatch restricts a Rule to conntrack entries in a given lifecycle
// state.
type StateMatch int

const (
	StateAny StateMatch = iota
	StateMatchNew
	StateMatchEstablished
)

// RateLimit is a per-rule token-bucket keyed by (max_packets,
// interval_ms).
type RateLimit struct {
	MaxPackets int
	IntervalMs int
}

// Rule is one entry in a Chain's ordered list.
type Rule struct {
	Priority int
	Enabled  bool

	Proto      ProtoMatch
	SrcMatch   *net.IPNet
	DstMatch   *net.IPNet
	PortMatch  PortMatch
	TCPFlags   *TCPFlagMatch
	StateMatch StateMatch
	RateLimit  *RateLimit

	Action    Action
	JumpChain string

	counters Counters
	bucket   *tokenBucket
}

// TCPFlagMatch matches a packet's TCP flags against a required mask: all
// bits in Set must be 1, all bits in Clear must be 0.
type TCPFlagMatch struct {
	Set, Clear uint8
}

const (
	flagFIN = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
	flagURG
)

func tcpFlagByte(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= flagFIN
	}
	if tcp.SYN {
		f |= flagSYN
	}
	if tcp.RST {
		f |= flagRST
	}
	if tcp.PSH {
		f |= flagPSH
	}
	if tcp.ACK {
		f |= flagACK
	}
	if tcp.URG {
		f |= flagURG
	}
	return f
}

// Counters are atomic, monotonic per-rule statistics — they never
// decrement.
type Counters struct {
	Processed, Accepted, Dropped, Rejected uint64
	Bytes                                  uint64
}

func (r *Rule) matches(dir netstack.Direction, ctx *packetContext) bool {
	if !r.Enabled {
		return false
	}
	if r.Proto != ProtoAny {
		switch r.Proto {
		case ProtoTCP:
			if ctx.tcp == nil {
				return false
			}
		case ProtoUDP:
			if ctx.udp == nil {
				return false
			}
		case ProtoICMP:
			if ctx.icmp == nil {
				return false
			}
		}
	}
	if r.SrcMatch != nil && ctx.srcIP != nil && !r.SrcMatch.Contains(ctx.srcIP) {
		return false
	}
	if r.DstMatch != nil && ctx.dstIP != nil && !r.DstMatch.Contains(ctx.dstIP) {
		return false
	}
	if ctx.dstPort != 0 && !r.PortMatch.matches(ctx.dstPort) {
		return false
	}
	if r.TCPFlags != nil {
		if ctx.tcp == nil {
			return false
		}
		flags := tcpFlagByte(ctx.tcp)
		if flags&r.TCPFlags.Set != r.TCPFlags.Set {
			return false
		}
		if flags&r.TCPFlags.Clear != 0 {
			return false
		}
	}
	if r.StateMatch != StateAny {
		switch r.StateMatch {
		case StateMatchNew:
			// A flow opened by a bare SYN is tracked as ConnSynSent for its
			// shorter timeout, but is still a new connection.
			if ctx.connState != ConnNew && ctx.connState != ConnSynSent {
				return false
			}
		case StateMatchEstablished:
			if ctx.connState != ConnEstablished {
				return false
			}
		}
	}
	return true
}
