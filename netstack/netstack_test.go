package netstack

import (
	"net"
	"testing"
	"time"
)

func TestCanonicalIPv6(t *testing.T) {
	cases := map[string]string{
		"2001:0db8:0000:0000:0000:0000:0000:0001": "2001:db8::1",
		"::":               "::",
		"::1":               "::1",
		"fe80:0:0:0:0:0:0:1": "fe80::1",
		"2001:db8:0:1:1:1:1:1": "2001:db8:0:1:1:1:1:1",
	}
	for in, want := range cases {
		ip := net.ParseIP(in)
		if got := CanonicalIPv6(ip); got != want {
			t.Errorf("CanonicalIPv6(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMulticastMAC(t *testing.T) {
	ip := net.ParseIP("ff02::1:ff00:1234")
	mac := MulticastMAC(ip)
	want := net.HardwareAddr{0x33, 0x33, 0xff, 0x00, 0x12, 0x34}
	if mac.String() != want.String() {
		t.Errorf("got %v, want %v", mac, want)
	}
}

func TestExpiringMapLifecycle(t *testing.T) {
	m := NewExpiringMap(10*time.Millisecond, 20*time.Millisecond)
	ip := net.ParseIP("10.0.0.1")
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}

	m.MarkIncomplete(ip)
	if _, state, ok := m.Lookup(ip); ok || state != StateIncomplete {
		t.Fatalf("expected incomplete, unresolved entry")
	}

	m.Resolve(ip, mac)
	gotMAC, state, ok := m.Lookup(ip)
	if !ok || state != StateReachable || gotMAC.String() != mac.String() {
		t.Fatalf("expected reachable resolved entry, got %v %v %v", gotMAC, state, ok)
	}

	time.Sleep(15 * time.Millisecond)
	m.Sweep()
	_, state, _ = m.Lookup(ip)
	if state != StateStale {
		t.Fatalf("expected stale after reachable timeout, got %v", state)
	}

	time.Sleep(25 * time.Millisecond)
	m.Sweep()
	if _, _, ok := m.Lookup(ip); ok {
		t.Fatalf("expected entry evicted after stale timeout")
	}
}

func TestTCPHandshakeTransitions(t *testing.T) {
	server := NewConn("10.0.0.1", "10.0.0.2", 80, 5000)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := server.OnRecvSyn(); err != nil {
		t.Fatalf("OnRecvSyn: %v", err)
	}
	if got := server.State(); got != TCPSynReceived {
		t.Fatalf("got %v, want SYN_RECEIVED", got)
	}
	if err := server.OnRecvAck(); err != nil {
		t.Fatalf("OnRecvAck: %v", err)
	}
	if got := server.State(); got != TCPEstablished {
		t.Fatalf("got %v, want ESTABLISHED", got)
	}

	if err := server.OnRecvSyn(); err == nil {
		t.Fatalf("expected invalid transition from ESTABLISHED on recv-syn")
	}
}

func TestRTTEstimatorBackoff(t *testing.T) {
	e := newRTTEstimator()
	e.Sample(100 * time.Millisecond)
	base := e.rto
	if base <= 0 {
		t.Fatalf("expected positive RTO after first sample")
	}
	doubled := e.BackoffRTO()
	if doubled != base*2 && doubled != maxRTO {
		t.Fatalf("got backoff %v, want %v or cap %v", doubled, base*2, maxRTO)
	}
}

func TestPingStatsComputation(t *testing.T) {
	samples := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	stats := computeStats(samples, 3)
	if stats.Sent != 3 || stats.Received != 3 {
		t.Fatalf("got sent=%d recv=%d", stats.Sent, stats.Received)
	}
	if stats.Min != 10*time.Millisecond || stats.Max != 30*time.Millisecond {
		t.Fatalf("got min=%v max=%v", stats.Min, stats.Max)
	}
	if stats.Avg != 20*time.Millisecond {
		t.Fatalf("got avg=%v, want 20ms", stats.Avg)
	}
}

func TestUdpTableBindAndDeliver(t *testing.T) {
	tbl := NewUdpTable()
	sock, err := tbl.Bind(5353)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := tbl.Bind(5353); err != ErrPortInUse {
		t.Fatalf("got %v, want ErrPortInUse", err)
	}

	if !tbl.Deliver(5353, []byte("hi")) {
		t.Fatalf("expected delivery to succeed")
	}
	data, ok := sock.Recv()
	if !ok || string(data) != "hi" {
		t.Fatalf("got %q %v", data, ok)
	}
}
