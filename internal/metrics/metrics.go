// Package metrics exposes Prometheus metrics for the sandbox lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one orchestrator. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Boots          prometheus.Counter
	BootFailures   *prometheus.CounterVec
	Pushes         *prometheus.CounterVec
	WriteErrors    *prometheus.CounterVec
	TerminalChunks prometheus.Counter
	TerminalClears prometheus.Counter
	WatchEvents    *prometheus.CounterVec
	PreviewReady   prometheus.Gauge
}

// New registers every collector on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Boots: factory.NewCounter(prometheus.CounterOpts{
			Name: "previewbox_boots_total",
			Help: "Total number of sandbox instances created",
		}),
		BootFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "previewbox_boot_step_failures_total",
			Help: "Total number of failed boot steps",
		}, []string{"step"}),
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "previewbox_pushes_total",
			Help: "File change events received, by outcome",
		}, []string{"outcome"}),
		WriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "previewbox_write_errors_total",
			Help: "Failed filesystem writes inside the sandbox",
		}, []string{"op"}),
		TerminalChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "previewbox_terminal_chunks_total",
			Help: "Output chunks appended to the terminal buffer",
		}),
		TerminalClears: factory.NewCounter(prometheus.CounterOpts{
			Name: "previewbox_terminal_clears_total",
			Help: "Clear-screen sequences detected in shell output",
		}),
		WatchEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "previewbox_watch_events_total",
			Help: "Filesystem change notifications from the sandbox",
		}, []string{"kind"}),
		PreviewReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "previewbox_preview_ready",
			Help: "1 when the preview is bound to a URL, 0 while loading",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Boot records a created sandbox.
func (m *Metrics) Boot() {
	if m == nil {
		return
	}
	m.Boots.Inc()
}

// BootFailure records a failed boot step ("create", "mount", "spawn", "watch").
func (m *Metrics) BootFailure(step string) {
	if m == nil {
		return
	}
	m.BootFailures.WithLabelValues(step).Inc()
}

// Push records a push outcome.
func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(outcome).Inc()
}

// WriteError records a failed write or mount.
func (m *Metrics) WriteError(op string) {
	if m == nil {
		return
	}
	m.WriteErrors.WithLabelValues(op).Inc()
}

// TerminalChunk records an appended output chunk.
func (m *Metrics) TerminalChunk() {
	if m == nil {
		return
	}
	m.TerminalChunks.Inc()
}

// TerminalClear records a detected clear sequence.
func (m *Metrics) TerminalClear() {
	if m == nil {
		return
	}
	m.TerminalClears.Inc()
}

// WatchEvent records a filesystem notification.
func (m *Metrics) WatchEvent(kind string) {
	if m == nil {
		return
	}
	m.WatchEvents.WithLabelValues(kind).Inc()
}

// SetPreviewReady sets the preview gauge.
func (m *Metrics) SetPreviewReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.PreviewReady.Set(1)
	} else {
		m.PreviewReady.Set(0)
	}
}
