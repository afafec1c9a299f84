package netstack

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PingStats summarizes a batch of echo round-trip times: min/avg/max/
// stddev across the batch.
type PingStats struct {
	Sent, Received int
	Min, Avg, Max   time.Duration
	StdDev          time.Duration
}

func computeStats(samples []time.Duration, sent int) PingStats {
	stats := PingStats{Sent: sent, Received: len(samples)}
	if len(samples) == 0 {
		return stats
	}
	stats.Min, stats.Max = samples[0], samples[0]
	var sum time.Duration
	for _, s := range samples {
		if s < stats.Min {
			stats.Min = s
		}
		if s > stats.Max {
			stats.Max = s
		}
		sum += s
	}
	stats.Avg = sum / time.Duration(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s - stats.Avg)
		variance += d * d
	}
	variance /= float64(len(samples))
	stats.StdDev = time.Duration(math.Sqrt(variance))
	return stats
}

// pendingPing tracks one outstanding echo request awaiting its reply.
type pendingPing struct {
	sentAt time.Time
	done   chan time.Duration
}

// IcmpEndpoint answers inbound echo requests addressed to the interface
// and drives outbound ping batches with real round-trip measurement
// rather than a synthesized value.
type IcmpEndpoint struct {
	iface *Interface
	send  func([]byte) error

	mu      sync.Mutex
	pending map[uint16]*pendingPing
	nextSeq uint16
}

func NewIcmpEndpoint(iface *Interface, send func([]byte) error) *IcmpEndpoint {
	return &IcmpEndpoint{iface: iface, send: send, pending: make(map[uint16]*pendingPing)}
}

// HandleFrame answers ICMPv4 echo requests targeting our address and
// completes pending Ping() calls on matching echo replies.
func (e *IcmpEndpoint) HandleFrame(pkt gopacket.Packet) error {
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return nil
	}
	icmp := icmpLayer.(*layers.ICMPv4)

	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		return e.reply(pkt, icmp)
	case layers.ICMPv4TypeEchoReply:
		e.complete(icmp.Seq)
	}
	return nil
}

func (e *IcmpEndpoint) reply(pkt gopacket.Packet, req *layers.ICMPv4) error {
	ip4Layer := pkt.Layer(layers.LayerTypeIPv4)
	if ip4Layer == nil {
		return nil
	}
	ip4 := ip4Layer.(*layers.IPv4)
	if !ip4.DstIP.Equal(e.iface.Addr4) {
		return nil
	}

	eth := &layers.Ethernet{SrcMAC: e.iface.HWAddr, EthernetType: layers.EthernetTypeIPv4}
	replyIP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: ip4.DstIP, DstIP: ip4.SrcIP}
	replyICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	payload := gopacket.Payload(req.LayerPayload())

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, replyIP, replyICMP, payload); err != nil {
		return err
	}
	return e.send(buf.Bytes())
}

func (e *IcmpEndpoint) complete(seq uint16) {
	e.mu.Lock()
	p, ok := e.pending[seq]
	if ok {
		delete(e.pending, seq)
	}
	e.mu.Unlock()
	if ok {
		p.done <- time.Since(p.sentAt)
	}
}

// Ping sends count echo requests to dst, one every interval, and returns
// aggregate round-trip statistics.
func (e *IcmpEndpoint) Ping(ctx context.Context, dst net.IP, count int, interval, timeout time.Duration) (PingStats, error) {
	var samples []time.Duration
	for i := 0; i < count; i++ {
		seq := e.reserveSeq()
		done := make(chan time.Duration, 1)
		e.mu.Lock()
		e.pending[seq] = &pendingPing{sentAt: time.Now(), done: done}
		e.mu.Unlock()

		if err := e.sendEcho(dst, seq); err != nil {
			return computeStats(samples, i+1), err
		}

		select {
		case rtt := <-done:
			samples = append(samples, rtt)
		case <-time.After(timeout):
		case <-ctx.Done():
			return computeStats(samples, i+1), ctx.Err()
		}

		if i < count-1 {
			time.Sleep(interval)
		}
	}
	return computeStats(samples, count), nil
}

func (e *IcmpEndpoint) reserveSeq() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq++
	return e.nextSeq
}

func (e *IcmpEndpoint) sendEcho(dst net.IP, seq uint16) error {
	eth := &layers.Ethernet{SrcMAC: e.iface.HWAddr, EthernetType: layers.EthernetTypeIPv4}
	ip4 := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: e.iface.Addr4, DstIP: dst}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: seq}
	payload := gopacket.Payload([]byte(fmt.Sprintf("splax-ping-%d", seq)))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip4, icmp, payload); err != nil {
		return err
	}
	return e.send(buf.Bytes())
}
