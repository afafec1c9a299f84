package netstack

import (
	"context"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/kernel/metrics"
)

// Direction distinguishes the two firewall hook points a packet passes
// through: the ingress pipeline's INPUT chain and the egress pipeline's
// OUTPUT chain.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

// Verdict is the outcome a FirewallHook returns for one packet.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictDrop
	VerdictReject
)

// FirewallHook lets firewall.Firewall plug into the stack's ingress/egress
// pipeline without netstack importing firewall (firewall imports netstack
// instead, for packet types — this interface is the inverted dependency
// edge that avoids the cycle).
type FirewallHook interface {
	Check(dir Direction, pkt gopacket.Packet) Verdict
}

type passHook struct{}

func (passHook) Check(Direction, gopacket.Packet) Verdict { return VerdictAccept }

// Option configures a Stack.
type Option func(*Stack)

func WithFirewall(h FirewallHook) Option  { return func(s *Stack) { s.firewall = h } }
func WithLogger(log *logrus.Logger) Option { return func(s *Stack) { s.log = log } }
func WithMetrics(m metrics.Sink) Option    { return func(s *Stack) { s.metrics = m } }

// Stack ties one Interface's ARP/NDP caches, ICMP endpoint, and UDP
// table into a single ingress/egress pipeline.
type Stack struct {
	iface    *Interface
	arp      *ArpCache
	ndp      *NdpCache
	icmp     *IcmpEndpoint
	udp      *UdpTable
	firewall FirewallHook
	log      *logrus.Logger
	metrics  metrics.Sink

	sendFrame func([]byte) error
}

// NewStack builds a Stack for iface, wiring sendFrame as the function that
// hands a fully-built Ethernet frame to the underlying device (typically a
// virtio-net or e1000 driver's transmit queue).
func NewStack(iface *Interface, sendFrame func([]byte) error, opts ...Option) *Stack {
	s := &Stack{
		iface:     iface,
		udp:       NewUdpTable(),
		firewall:  passHook{},
		log:       logrus.StandardLogger(),
		metrics:   metrics.Noop{},
		sendFrame: sendFrame,
	}
	s.arp = NewArpCache(iface, sendFrame)
	s.ndp = NewNdpCache(iface, sendFrame)
	s.icmp = NewIcmpEndpoint(iface, sendFrame)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Stack) Arp() *ArpCache        { return s.arp }
func (s *Stack) Ndp() *NdpCache        { return s.ndp }
func (s *Stack) Icmp() *IcmpEndpoint   { return s.icmp }
func (s *Stack) Udp() *UdpTable        { return s.udp }

// Ingress demultiplexes one inbound Ethernet frame: ARP/NDP updates the
// resolver cache directly; IPv4/IPv6 runs the firewall INPUT chain
// before handing off to the per-protocol handler.
func (s *Stack) Ingress(ctx context.Context, frame []byte) error {
	if s.iface.State() != IfaceUp {
		return ErrInterfaceDown
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if pkt.Layer(layers.LayerTypeARP) != nil {
		return s.arp.HandleFrame(pkt)
	}
	if icmp6 := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation); icmp6 != nil {
		return s.ndp.HandleFrame(pkt)
	}
	if icmp6 := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement); icmp6 != nil {
		return s.ndp.HandleFrame(pkt)
	}

	ip4 := pkt.Layer(layers.LayerTypeIPv4)
	ip6 := pkt.Layer(layers.LayerTypeIPv6)
	if ip4 == nil && ip6 == nil {
		s.metrics.IncrCounter("netstack_ignored_frames", 1)
		return nil
	}

	if v := s.firewall.Check(DirInput, pkt); v != VerdictAccept {
		s.metrics.IncrCounter("netstack_input_dropped", 1)
		return nil
	}

	if pkt.Layer(layers.LayerTypeICMPv4) != nil {
		return s.icmp.HandleFrame(pkt)
	}
	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		u := udpLayer.(*layers.UDP)
		s.udp.Deliver(uint16(u.DstPort), u.Payload)
		s.metrics.IncrCounter("netstack_udp_delivered", 1)
		return nil
	}
	if ip6 != nil {
		v6 := ip6.(*layers.IPv6)
		if v6.HopLimit == 0 {
			s.metrics.IncrCounter("netstack_ttl_exceeded", 1)
			return nil
		}
	}
	return nil
}

// SendUDP builds and transmits a UDP datagram over IPv4 to dst:port: build
// IP packet → firewall OUTPUT chain → next-hop determination → ARP/NDP
// resolve → enqueue frame.
func (s *Stack) SendUDP(ctx context.Context, dst net.IP, srcPort, dstPort uint16, payload []byte) error {
	nextHop := dst
	if !s.iface.InSubnet(dst) && s.iface.Gateway4 != nil {
		nextHop = s.iface.Gateway4
	}

	eth := &layers.Ethernet{SrcMAC: s.iface.HWAddr, EthernetType: layers.EthernetTypeIPv4}
	ip4 := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: s.iface.Addr4, DstIP: dst}
	udpHdr := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udpHdr.SetNetworkLayerForChecksum(ip4); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip4, udpHdr, gopacket.Payload(payload)); err != nil {
		return err
	}

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	if v := s.firewall.Check(DirOutput, pkt); v != VerdictAccept {
		s.metrics.IncrCounter("netstack_output_dropped", 1)
		return nil
	}

	mac, err := s.arp.Resolve(ctx, nextHop)
	if err != nil {
		return err
	}

	ethFinal := &layers.Ethernet{SrcMAC: s.iface.HWAddr, DstMAC: mac, EthernetType: layers.EthernetTypeIPv4}
	final := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(final, opts, ethFinal, ip4, udpHdr, gopacket.Payload(payload)); err != nil {
		return err
	}
	s.metrics.IncrCounter("netstack_udp_sent", 1)
	return s.sendFrame(final.Bytes())
}
