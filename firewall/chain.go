package firewall

import (
	"net"
	"sort"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/splax-s/splax/netstack"
)

// packetContext extracts just the fields a Rule needs to match, once per
// packet, rather than re-walking layers for every rule.
type packetContext struct {
	srcIP, dstIP net.IP
	dstPort      uint16
	tcp          *layers.TCP
	udp          *layers.UDP
	icmp         *layers.ICMPv4
	connState    ConnState
}

func extractContext(pkt gopacket.Packet, table *Table) packetContext {
	var ctx packetContext
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v4 := ip4.(*layers.IPv4)
		ctx.srcIP, ctx.dstIP = v4.SrcIP, v4.DstIP
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v6 := ip6.(*layers.IPv6)
		ctx.srcIP, ctx.dstIP = v6.SrcIP, v6.DstIP
	}
	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		ctx.tcp = tcpLayer.(*layers.TCP)
		ctx.dstPort = uint16(ctx.tcp.DstPort)
	}
	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		ctx.udp = udpLayer.(*layers.UDP)
		ctx.dstPort = uint16(ctx.udp.DstPort)
	}
	if icmpLayer := pkt.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		ctx.icmp = icmpLayer.(*layers.ICMPv4)
	}

	if table != nil && ctx.srcIP != nil && ctx.dstIP != nil {
		key := FiveTuple{SrcIP: ctx.srcIP.String(), DstIP: ctx.dstIP.String(), SrcPort: srcPort(ctx), DstPort: ctx.dstPort}
		key.Proto = protoOf(ctx)
		isSyn := ctx.tcp != nil && ctx.tcp.SYN && !ctx.tcp.ACK
		ctx.connState = table.Observe(key, isSyn)
	}
	return ctx
}

func srcPort(ctx packetContext) uint16 {
	if ctx.tcp != nil {
		return uint16(ctx.tcp.SrcPort)
	}
	if ctx.udp != nil {
		return uint16(ctx.udp.SrcPort)
	}
	return 0
}

func protoOf(ctx packetContext) ProtoMatch {
	switch {
	case ctx.tcp != nil:
		return ProtoTCP
	case ctx.udp != nil:
		return ProtoUDP
	case ctx.icmp != nil:
		return ProtoICMP
	default:
		return ProtoAny
	}
}

// Chain is an ordered, priority-scanned rule list with a default policy.
type Chain struct {
	Name   string
	Policy Action

	mu    sync.RWMutex
	rules []*Rule
}

func NewChain(name string, policy Action) *Chain {
	return &Chain{Name: name, Policy: policy}
}

// AddRule inserts r, keeping the chain sorted by Priority ascending
// (lower priority number evaluated first).
func (c *Chain) AddRule(r *Rule) {
	if r.RateLimit != nil && r.bucket == nil {
		r.bucket = newTokenBucket(*r.RateLimit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, r)
	sort.Slice(c.rules, func(i, j int) bool { return c.rules[i].Priority < c.rules[j].Priority })
}

func (c *Chain) snapshot() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
