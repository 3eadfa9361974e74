package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the server's Prometheus collectors. One set exists per
// Server; the registry is exposed on the debug listener.
type metrics struct {
	registry *prometheus.Registry

	rpcTotal    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	checkTotal  *prometheus.CounterVec
	tupleWrites *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clove",
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "RPCs handled, by method and status code.",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clove",
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "RPC handling duration, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		checkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clove",
			Subsystem: "check",
			Name:      "decisions_total",
			Help:      "Check decisions, by outcome.",
		}, []string{"allowed"}),
		tupleWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clove",
			Subsystem: "tuple",
			Name:      "mutations_total",
			Help:      "Tuples written and deleted.",
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.rpcTotal, m.rpcDuration, m.checkTotal, m.tupleWrites)
	return m
}

func (m *metrics) observeCheck(allowed bool) {
	m.checkTotal.WithLabelValues(boolLabel(allowed)).Inc()
}

func (m *metrics) observeWrite(written, deleted int) {
	m.tupleWrites.WithLabelValues("write").Add(float64(written))
	m.tupleWrites.WithLabelValues("delete").Add(float64(deleted))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
