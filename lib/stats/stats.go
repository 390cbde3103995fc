package stats

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Unmount reasons used as metric labels
const (
	ReasonClient    = "client"
	ReasonMajordome = "majordome"
	ReasonShutdown  = "shutdown"
)

// Metrics collects the server wide counters and gauges.
// All methods are safe to call on a nil *Metrics, which makes metrics optional
// for every component that records them.
type Metrics struct {
	set *metrics.Set
}

// New creates an empty metrics set
func New() *Metrics {
	return &Metrics{set: metrics.NewSet()}
}

// MountSucceeded records a successful mount
func (m *Metrics) MountSucceeded() {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(`kvhost_mounts_total{result="ok"}`).Inc()
}

// MountFailed records a failed mount
func (m *Metrics) MountFailed() {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(`kvhost_mounts_total{result="failed"}`).Inc()
}

// Unmounted records an unmount for the given reason
func (m *Metrics) Unmounted(reason string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`kvhost_unmounts_total{reason=%q}`, reason)).Inc()
}

// Request records a handled request by operation and result code
func (m *Metrics) Request(op, code string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`kvhost_requests_total{op=%q,code=%q}`, op, code)).Inc()
}

// Connection records an accepted connection for a transport
func (m *Metrics) Connection(transport string) {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`kvhost_connections_total{transport=%q}`, transport)).Inc()
}

// MajordomeTick records one majordome scan
func (m *Metrics) MajordomeTick() {
	if m == nil {
		return
	}
	m.set.GetOrCreateCounter(`kvhost_majordome_ticks_total`).Inc()
}

// Gauge registers a gauge computed by f. Registering the same name twice
// keeps the first function.
func (m *Metrics) Gauge(name string, f func() float64) {
	if m == nil {
		return
	}
	m.set.GetOrCreateGauge(name, f)
}

// WritePrometheus writes all metrics in the prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}
