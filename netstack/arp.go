package netstack

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ArpCache resolves IPv4 addresses to link-layer addresses on this
// interface, backed by an ExpiringMap.
type ArpCache struct {
	iface *Interface
	cache *ExpiringMap
	send  func([]byte) error

	pollInterval time.Duration
	pollBudget   time.Duration
}

// NewArpCache wires an ArpCache to an interface's frame-send function
// (typically Stack.sendFrame).
func NewArpCache(iface *Interface, send func([]byte) error) *ArpCache {
	return &ArpCache{
		iface:        iface,
		cache:        NewExpiringMap(30*time.Second, 5*time.Minute),
		send:         send,
		pollInterval: 5 * time.Millisecond,
		pollBudget:   2 * time.Second,
	}
}

// Resolve returns ip's MAC address, broadcasting an ARP request and
// cooperatively polling the cache up to a bounded wall-time on a miss;
// on timeout it returns ErrArpTimeout.
func (a *ArpCache) Resolve(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	if mac, _, ok := a.cache.Lookup(ip); ok {
		a.cache.Touch(ip)
		return mac, nil
	}

	a.cache.MarkIncomplete(ip)
	if err := a.broadcastRequest(ip); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(a.pollBudget)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if mac, _, ok := a.cache.Lookup(ip); ok {
				return mac, nil
			}
			if time.Now().After(deadline) {
				return nil, ErrArpTimeout
			}
		}
	}
}

func (a *ArpCache) broadcastRequest(target net.IP) error {
	eth := &layers.Ethernet{
		SrcMAC:       a.iface.HWAddr,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   a.iface.HWAddr,
		SourceProtAddress: a.iface.Addr4.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    target.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return err
	}
	return a.send(buf.Bytes())
}

// HandleFrame processes an inbound ARP packet: a Request targeting our
// address gets a Reply, and any Reply/Request's sender is learned into
// the cache.
func (a *ArpCache) HandleFrame(pkt gopacket.Packet) error {
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil
	}
	arp := arpLayer.(*layers.ARP)
	senderIP := net.IP(arp.SourceProtAddress)
	senderMAC := net.HardwareAddr(arp.SourceHwAddress)
	a.cache.Resolve(senderIP, senderMAC)

	if arp.Operation != layers.ARPRequest {
		return nil
	}
	if !net.IP(arp.DstProtAddress).Equal(a.iface.Addr4) {
		return nil
	}

	eth := &layers.Ethernet{
		SrcMAC:       a.iface.HWAddr,
		DstMAC:       senderMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   a.iface.HWAddr,
		SourceProtAddress: a.iface.Addr4.To4(),
		DstHwAddress:      senderMAC,
		DstProtAddress:    senderIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, reply); err != nil {
		return err
	}
	return a.send(buf.Bytes())
}

// Sweep ages the underlying cache; call it periodically from the stack's
// background janitor.
func (a *ArpCache) Sweep() { a.cache.Sweep() }
