package netstack

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// NdpCache resolves IPv6 addresses to link-layer addresses via Neighbor
// Solicitation/Advertisement, sharing the same ExpiringMap state-machine
// shape as ArpCache: neighbor cache states {Incomplete, Reachable,
// Stale, Delay, Probe} per the RFC 4861 lifecycle.
type NdpCache struct {
	iface *Interface
	cache *ExpiringMap
	send  func([]byte) error

	pollInterval time.Duration
	pollBudget   time.Duration
}

func NewNdpCache(iface *Interface, send func([]byte) error) *NdpCache {
	return &NdpCache{
		iface:        iface,
		cache:        NewExpiringMap(30*time.Second, 5*time.Minute),
		send:         send,
		pollInterval: 5 * time.Millisecond,
		pollBudget:   2 * time.Second,
	}
}

func (n *NdpCache) Resolve(ctx context.Context, target net.IP) (net.HardwareAddr, error) {
	if mac, _, ok := n.cache.Lookup(target); ok {
		n.cache.Touch(target)
		return mac, nil
	}

	n.cache.MarkIncomplete(target)
	if err := n.solicit(target); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(n.pollBudget)
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if mac, _, ok := n.cache.Lookup(target); ok {
				return mac, nil
			}
			if time.Now().After(deadline) {
				return nil, ErrArpTimeout
			}
		}
	}
}

func (n *NdpCache) solicit(target net.IP) error {
	dstMulticast := SolicitedNodeMulticast(target)
	eth := &layers.Ethernet{
		SrcMAC:       n.iface.HWAddr,
		DstMAC:       MulticastMAC(dstMulticast),
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      n.iface.Addr6,
		DstIP:      dstMulticast,
	}
	icmp6 := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: target,
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptSourceAddress, Data: n.iface.HWAddr},
		},
	}
	if err := icmp6.SetNetworkLayerForChecksum(ip6); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, ns); err != nil {
		return err
	}
	return n.send(buf.Bytes())
}

// HandleFrame learns from inbound Neighbor Solicitation/Advertisement
// messages and answers Solicitations targeting our own address.
func (n *NdpCache) HandleFrame(pkt gopacket.Packet) error {
	ip6Layer := pkt.Layer(layers.LayerTypeIPv6)
	if ip6Layer == nil {
		return nil
	}
	ip6 := ip6Layer.(*layers.IPv6)

	if adv := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement); adv != nil {
		a := adv.(*layers.ICMPv6NeighborAdvertisement)
		if mac := optionMAC(a.Options); mac != nil {
			n.cache.Resolve(a.TargetAddress, mac)
		}
		return nil
	}

	sol := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation)
	if sol == nil {
		return nil
	}
	s := sol.(*layers.ICMPv6NeighborSolicitation)
	if mac := optionMAC(s.Options); mac != nil {
		n.cache.Resolve(ip6.SrcIP, mac)
	}
	if !s.TargetAddress.Equal(n.iface.Addr6) {
		return nil
	}
	return n.advertise(ip6.SrcIP, s.TargetAddress)
}

func optionMAC(opts layers.ICMPv6Options) net.HardwareAddr {
	for _, o := range opts {
		if o.Type == layers.ICMPv6OptSourceAddress || o.Type == layers.ICMPv6OptTargetAddress {
			return net.HardwareAddr(o.Data)
		}
	}
	return nil
}

func (n *NdpCache) advertise(dst net.IP, target net.IP) error {
	eth := &layers.Ethernet{SrcMAC: n.iface.HWAddr, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      n.iface.Addr6,
		DstIP:      dst,
	}
	icmp6 := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         0x60, // Solicited + Override
		TargetAddress: target,
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptTargetAddress, Data: n.iface.HWAddr},
		},
	}
	if err := icmp6.SetNetworkLayerForChecksum(ip6); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, na); err != nil {
		return err
	}
	return n.send(buf.Bytes())
}

func (n *NdpCache) Sweep() { n.cache.Sweep() }
