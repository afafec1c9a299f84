package firewall

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/splax-s/splax/netstack"
)

func buildTCP(t *testing.T, src, dst net.IP, srcPort, dstPort uint16, syn, ack bool) gopacket.Packet {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), SYN: syn, ACK: ack, Window: 65535}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
}

func buildUDP(t *testing.T, src, dst net.IP, srcPort, dstPort uint16) gopacket.Packet {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
}

func TestStatefulAllowScenario(t *testing.T) {
	fw := New()
	fw.Input.Policy = ActionDrop
	fw.Input.AddRule(&Rule{Priority: 10, Enabled: true, StateMatch: StateMatchEstablished, Action: ActionAccept})
	fw.Input.AddRule(&Rule{Priority: 20, Enabled: true, Proto: ProtoTCP, PortMatch: PortMatch{Lo: 22, Hi: 22}, StateMatch: StateMatchNew, Action: ActionAccept})

	client := net.ParseIP("10.0.0.5").To4()
	server := net.ParseIP("10.0.0.1").To4()

	syn := buildTCP(t, client, server, 54321, 22, true, false)
	if v := fw.Check(netstack.DirInput, syn); v != netstack.VerdictAccept {
		t.Fatalf("SYN to :22 expected Accept, got %v", v)
	}

	synAck := buildTCP(t, server, client, 22, 54321, true, true)
	if v := fw.Check(netstack.DirInput, synAck); v != netstack.VerdictAccept {
		t.Fatalf("SYN/ACK reply expected Accept via established rule, got %v", v)
	}
	if st, ok := fw.conntrack.Lookup(FiveTuple{Proto: ProtoTCP, SrcIP: client.String(), DstIP: server.String(), SrcPort: 54321, DstPort: 22}); !ok || st != ConnEstablished {
		t.Fatalf("expected flow Established after reply, got state=%v ok=%v", st, ok)
	}

	unrelated := buildUDP(t, net.ParseIP("10.0.0.9").To4(), server, 9999, 53)
	if v := fw.Check(netstack.DirInput, unrelated); v != netstack.VerdictDrop {
		t.Fatalf("unrelated UDP expected Drop by policy, got %v", v)
	}
}

func TestJumpAndReturn(t *testing.T) {
	fw := New()
	custom := fw.NewCustomChain("LOGGED_ACCEPT", ActionDrop)
	custom.AddRule(&Rule{Priority: 1, Enabled: true, Action: ActionLog})
	custom.AddRule(&Rule{Priority: 2, Enabled: true, Action: ActionReturn})

	fw.Input.Policy = ActionDrop
	fw.Input.AddRule(&Rule{Priority: 1, Enabled: true, Action: ActionJump, JumpChain: "LOGGED_ACCEPT"})
	fw.Input.AddRule(&Rule{Priority: 2, Enabled: true, Action: ActionAccept})

	pkt := buildUDP(t, net.ParseIP("10.0.0.2").To4(), net.ParseIP("10.0.0.1").To4(), 1000, 2000)
	if v := fw.Check(netstack.DirInput, pkt); v != netstack.VerdictAccept {
		t.Fatalf("expected Accept after Jump+Return falls through to priority-2 rule, got %v", v)
	}
}

func TestJumpDepthBounded(t *testing.T) {
	fw := New()
	a := fw.NewCustomChain("A", ActionAccept)
	b := fw.NewCustomChain("B", ActionAccept)
	a.AddRule(&Rule{Priority: 1, Enabled: true, Action: ActionJump, JumpChain: "B"})
	b.AddRule(&Rule{Priority: 1, Enabled: true, Action: ActionJump, JumpChain: "A"})
	fw.Input.AddRule(&Rule{Priority: 1, Enabled: true, Action: ActionJump, JumpChain: "A"})

	pkt := buildUDP(t, net.ParseIP("10.0.0.2").To4(), net.ParseIP("10.0.0.1").To4(), 1, 2)
	if v := fw.Check(netstack.DirInput, pkt); v != netstack.VerdictDrop {
		t.Fatalf("expected Drop once MaxJumpDepth is exceeded by mutual recursion, got %v", v)
	}
}

func TestRateLimitBlocksExcessPackets(t *testing.T) {
	fw := New()
	fw.Input.AddRule(&Rule{
		Priority:  1,
		Enabled:   true,
		Action:    ActionAccept,
		RateLimit: &RateLimit{MaxPackets: 2, IntervalMs: 1000},
	})
	fw.Input.Policy = ActionDrop

	src := net.ParseIP("10.0.0.3").To4()
	dst := net.ParseIP("10.0.0.1").To4()

	accepted := 0
	for i := 0; i < 5; i++ {
		pkt := buildUDP(t, src, dst, uint16(3000+i), 4000)
		if fw.Check(netstack.DirInput, pkt) == netstack.VerdictAccept {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("expected exactly 2 packets accepted within the bucket, got %d", accepted)
	}
}

func TestConntrackSweepEvicts(t *testing.T) {
	table := NewTable()
	key := FiveTuple{Proto: ProtoTCP, SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 1, DstPort: 2}
	table.Observe(key, true)
	if table.Len() != 1 {
		t.Fatalf("expected 1 tracked flow, got %d", table.Len())
	}

	entry := table.shardFor(key).entries[key]
	entry.lastSeen = time.Now().Add(-timeoutSynSent * 2)

	table.Sweep()
	if table.Len() != 0 {
		t.Fatalf("expected sweep to evict timed-out entry, got %d remaining", table.Len())
	}
	if _, ok := table.Lookup(key); ok {
		t.Fatal("expected Lookup to miss after eviction")
	}
}

func TestUnmatchedFallsToPolicy(t *testing.T) {
	fw := New()
	fw.Input.Policy = ActionReject
	pkt := buildUDP(t, net.ParseIP("10.0.0.2").To4(), net.ParseIP("10.0.0.1").To4(), 1, 2)
	if v := fw.Check(netstack.DirInput, pkt); v != netstack.VerdictReject {
		t.Fatalf("expected chain policy Reject with no matching rule, got %v", v)
	}
}
