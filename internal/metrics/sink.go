// Package metrics is the "metrics egress" seam spec §1 places out of scope
// for in-process logic but still requires every component to emit into:
// counters, gauges and timings for queue depth, cache size, RPC latency and
// session counts. The teacher (hub.go) publishes equivalent counters
// through the standard library's expvar; this module upgrades that to
// github.com/prometheus/client_golang, the metrics library the wider
// example pack reaches for, while keeping the same three-verb shape
// (count/gauge/timing) so callers never depend on the concrete backend.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the narrow interface every component depends on, so swapping in a
// statsd-backed implementation (spec's external collaborator) later needs
// no call-site changes.
type Sink interface {
	Count(name string, delta float64, tags ...string)
	Gauge(name string, value float64, tags ...string)
	Timing(name string, d time.Duration, tags ...string)
}

// Prometheus is a Sink backed by a prometheus.Registerer, lazily creating
// one metric family per distinct name on first use.
type Prometheus struct {
	reg prometheus.Registerer

	counters *familyCache
	gauges   *familyCache
	timings  *familyCache
}

// NewPrometheus constructs a Sink registered against reg. Pass
// prometheus.DefaultRegisterer to expose metrics at the process-wide
// /metrics endpoint.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		reg:      reg,
		counters: newFamilyCache(),
		gauges:   newFamilyCache(),
		timings:  newFamilyCache(),
	}
}

func (p *Prometheus) Count(name string, delta float64, tags ...string) {
	labels, names := splitTags(tags)
	c := p.counters.counterVec(p.reg, name, names)
	c.WithLabelValues(labels...).Add(delta)
}

func (p *Prometheus) Gauge(name string, value float64, tags ...string) {
	labels, names := splitTags(tags)
	g := p.gauges.gaugeVec(p.reg, name, names)
	g.WithLabelValues(labels...).Set(value)
}

func (p *Prometheus) Timing(name string, d time.Duration, tags ...string) {
	labels, names := splitTags(tags)
	h := p.timings.histogramVec(p.reg, name, names)
	h.WithLabelValues(labels...).Observe(d.Seconds())
}

// splitTags accepts "key", "value" pairs and splits them into parallel
// label-name/label-value slices; prometheus label sets must be fixed per
// metric name, so callers are expected to pass the same key set every time
// for a given name.
func splitTags(tags []string) (values, names []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		names = append(names, tags[i])
		values = append(values, tags[i+1])
	}
	return values, names
}

type familyCache struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func newFamilyCache() *familyCache {
	return &familyCache{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (f *familyCache) counterVec(reg prometheus.Registerer, name string, labels []string) *prometheus.CounterVec {
	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labels)
	reg.MustRegister(c)
	f.counters[name] = c
	return c
}

func (f *familyCache) gaugeVec(reg prometheus.Registerer, name string, labels []string) *prometheus.GaugeVec {
	if g, ok := f.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labels)
	reg.MustRegister(g)
	f.gauges[name] = g
	return g
}

func (f *familyCache) histogramVec(reg prometheus.Registerer, name string, labels []string) *prometheus.HistogramVec {
	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labels)
	reg.MustRegister(h)
	f.histograms[name] = h
	return h
}

// Noop discards every metric; used in tests and in any component run
// without a configured sink.
type Noop struct{}

func (Noop) Count(string, float64, ...string)      {}
func (Noop) Gauge(string, float64, ...string)       {}
func (Noop) Timing(string, time.Duration, ...string) {}

var _ Sink = (*Prometheus)(nil)
var _ Sink = Noop{}
