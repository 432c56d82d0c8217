// Package metrics exposes Prometheus metrics for the dongle bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the /metrics handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics are the bridge's own series.
type Metrics struct {
	Commands     *prometheus.CounterVec   // labels: op, result=ok|rejected|error
	Latency      *prometheus.HistogramVec // labels: op
	Connected    prometheus.Gauge
	Reconnects   prometheus.Counter
	UsableBlinds prometheus.Gauge
	RSSI         prometheus.Gauge
	MQTTMessages *prometheus.CounterVec // labels: direction=in|out
}

// New registers and returns the bridge metrics. A nil registry yields
// unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "somfy_dongle_commands_total",
			Help: "Dongle commands by operation and outcome.",
		}, []string{"op", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "somfy_dongle_command_seconds",
			Help:    "Round trip time of dongle commands.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "somfy_dongle_connected",
			Help: "1 while a handshaken dongle connection is open.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "somfy_dongle_reconnects_total",
			Help: "Connections re-established after a transport failure.",
		}),
		UsableBlinds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "somfy_usable_blinds",
			Help: "Paired blinds found in the dongle address table.",
		}),
		RSSI: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "somfy_dongle_rssi",
			Help: "Radio level reported by the last ALIVE check.",
		}),
		MQTTMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "somfy_mqtt_messages_total",
			Help: "MQTT messages handled by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.Commands, m.Latency, m.Connected, m.Reconnects, m.UsableBlinds, m.RSSI, m.MQTTMessages)
	}
	return m
}

// Observe records one finished command.
func (m *Metrics) Observe(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(op, result).Inc()
	m.Latency.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) SetConnected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
