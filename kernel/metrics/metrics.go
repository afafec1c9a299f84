// Package metrics provides a named-counter/gauge/latency sink shape for
// every Splax subsystem (capability grants, channel sends, conntrack
// hits, WASM steps, PCI probes, ...) to report through.
package metrics

import "sync"

// Sink is the interface every subsystem accepts via a WithMetrics option.
// Counters only ever increase; gauges may move in either direction.
type Sink interface {
	IncrCounter(name string, delta int64)
	SetGauge(name string, value int64)
	ObserveLatency(name string, nanos int64)
}

// Default is an in-process Sink backed by plain maps. Safe for
// concurrent use.
type Default struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
	latCount map[string]int64
	latSum   map[string]int64
}

// NewDefault creates a ready-to-use in-process Sink.
func NewDefault() *Default {
	return &Default{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		latCount: make(map[string]int64),
		latSum:   make(map[string]int64),
	}
}

func (d *Default) IncrCounter(name string, delta int64) {
	d.mu.Lock()
	d.counters[name] += delta
	d.mu.Unlock()
}

func (d *Default) SetGauge(name string, value int64) {
	d.mu.Lock()
	d.gauges[name] = value
	d.mu.Unlock()
}

func (d *Default) ObserveLatency(name string, nanos int64) {
	d.mu.Lock()
	d.latCount[name]++
	d.latSum[name] += nanos
	d.mu.Unlock()
}

// Counter returns the current value of a named counter (0 if never touched).
func (d *Default) Counter(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters[name]
}

// Gauge returns the current value of a named gauge (0 if never touched).
func (d *Default) Gauge(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gauges[name]
}

// LatencyCount returns how many observations a named latency series has
// recorded, and LatencySum returns their total in nanoseconds — enough to
// compute a mean without pulling in a histogram library for a kernel that
// only needs min/avg/max/stddev (netstack.Ping) on small batches.
func (d *Default) LatencyCount(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latCount[name]
}

func (d *Default) LatencySum(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latSum[name]
}

// Noop discards every observation. Used as the zero-value default so
// subsystems never need a nil check before calling into their Sink.
type Noop struct{}

func (Noop) IncrCounter(string, int64)    {}
func (Noop) SetGauge(string, int64)       {}
func (Noop) ObserveLatency(string, int64) {}

var (
	_ Sink = Noop{}
	_ Sink = (*Default)(nil)
)
