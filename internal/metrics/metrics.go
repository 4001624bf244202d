// Package metrics exposes Prometheus counters for the engine, the
// transports and the MQTT bridge. Everything registers on an injected
// registry; a nil *Metrics records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/weather-station-fusion/internal/supervisor"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

const namespace = "wsfusion"

var transportStates = []supervisor.State{
	supervisor.StateStopped,
	supervisor.StateStarting,
	supervisor.StateRunning,
	supervisor.StateReconnecting,
}

// Metrics implements fusion.Recorder and supervisor.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	samples         *prometheus.CounterVec // by transport, kind, result
	dropped         *prometheus.CounterVec // by transport, reason
	stateVersion    prometheus.Gauge
	transportState  *prometheus.GaugeVec // 1 for the current state
	transportErrors *prometheus.CounterVec
	bridgePublishes *prometheus.CounterVec
}

// New registers every collector on reg. Passing nil creates a private
// registry that also carries the Go and process collectors.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: reg,
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "samples_total",
			Help:      "Samples applied by the fusion engine",
		}, []string{"transport", "kind", "result"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "samples_dropped_total",
			Help:      "Samples the fusion engine could not attribute",
		}, []string{"transport", "reason"}),

		stateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "state_version",
			Help:      "Version of the last published fusion state",
		}),

		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "Lifecycle state per transport (1 = current)",
		}, []string{"transport", "state"}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport errors by kind",
		}, []string{"transport", "kind"}),

		bridgePublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publishes_total",
			Help:      "Snapshots forwarded to the MQTT broker",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.samples, m.dropped, m.stateVersion, m.transportState, m.transportErrors, m.bridgePublishes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SampleApplied(t weather.Transport, k weather.SampleKind, changed bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	m.samples.WithLabelValues(string(t), k.String(), result).Inc()
}

func (m *Metrics) SampleDropped(t weather.Transport, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(string(t), reason).Inc()
}

func (m *Metrics) StatePublished(version uint64) {
	if m == nil {
		return
	}
	m.stateVersion.Set(float64(version))
}

func (m *Metrics) TransportState(t weather.Transport, s supervisor.State) {
	if m == nil {
		return
	}
	for _, st := range transportStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.transportState.WithLabelValues(string(t), string(st)).Set(v)
	}
}

func (m *Metrics) TransportError(t weather.Transport, kind string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(string(t), kind).Inc()
}

// BridgePublished counts one MQTT publish attempt.
func (m *Metrics) BridgePublished(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.bridgePublishes.WithLabelValues(result).Inc()
}
