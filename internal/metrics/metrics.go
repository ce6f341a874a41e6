package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"parkbeat/pkg/monitoring"
)

// Metrics holds the relay's custom Prometheus metrics, created through the
// shared monitoring collector in main.
type Metrics struct {
	SocketsConnected *prometheus.GaugeVec     // active sockets, by transport state
	EventsIn         *prometheus.CounterVec   // inbound frames, by event kind
	EventsOut        *prometheus.CounterVec   // outbound frames, by event kind
	FanoutRecipients *prometheus.HistogramVec // notify-set size, by room namespace
	FanoutDuration   *prometheus.HistogramVec // fan-out latency, by room namespace
	CleanupsTotal    *prometheus.CounterVec   // cleanup runs, by trigger and outcome
	JobsTotal        *prometheus.CounterVec   // async jobs, by kind and outcome
}

// New registers the relay's metrics with the service collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		SocketsConnected: mc.NewGauge("sockets_connected", "Active WebSocket connections", []string{"state"}),
		EventsIn:         mc.NewCounter("events_in_total", "Inbound protocol frames", []string{"event"}),
		EventsOut:        mc.NewCounter("events_out_total", "Outbound protocol frames", []string{"event"}),
		FanoutRecipients: mc.NewHistogram("fanout_recipients", "Notify-set size per fan-out",
			[]string{"namespace"}, []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500}),
		FanoutDuration: mc.NewHistogram("fanout_duration_seconds", "Fan-out resolution and publish latency",
			[]string{"namespace"}, nil),
		CleanupsTotal: mc.NewCounter("cleanups_total", "Subscription cleanup runs", []string{"trigger", "outcome"}),
		JobsTotal:     mc.NewCounter("jobs_total", "Asynchronous job executions", []string{"kind", "outcome"}),
	}
}
