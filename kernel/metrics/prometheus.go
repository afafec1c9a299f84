package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus adapts Sink onto dynamically-registered prometheus.Counter,
// prometheus.Gauge and prometheus.Summary metrics, one per name, so any subsystem wired with WithMetrics(p) shows
// up on a process's /metrics endpoint without that subsystem knowing
// anything about Prometheus. Grounded on ghjramos-aistore's
// prometheus/client_golang dependency.
type Prometheus struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	latency  map[string]prometheus.Summary
}

// NewPrometheus creates a Sink that registers a counter/gauge/summary per
// distinct metric name the first time it's observed.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		reg:      reg,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
		latency:  make(map[string]prometheus.Summary),
	}
}

func (p *Prometheus) counter(name string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "splax",
		Name:      name,
	})
	p.reg.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "splax",
		Name:      name,
	})
	p.reg.MustRegister(g)
	p.gauges[name] = g
	return g
}

func (p *Prometheus) summary(name string) prometheus.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.latency[name]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "splax",
		Name:      name + "_nanoseconds",
	})
	p.reg.MustRegister(s)
	p.latency[name] = s
	return s
}

func (p *Prometheus) IncrCounter(name string, delta int64) {
	if delta < 0 {
		return
	}
	p.counter(name).Add(float64(delta))
}

func (p *Prometheus) SetGauge(name string, value int64) {
	p.gauge(name).Set(float64(value))
}

func (p *Prometheus) ObserveLatency(name string, nanos int64) {
	p.summary(name).Observe(float64(nanos))
}

var _ Sink = (*Prometheus)(nil)
