package graph

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the runtime. Create one
// per registry and share it between the runner, the metrics middleware
// and the event plane's DLQ callback.
type Metrics struct {
	// RunsTotal counts finished runs by graph and final status.
	RunsTotal *prometheus.CounterVec

	// NodeDuration observes node execution latency by graph and node.
	NodeDuration *prometheus.HistogramVec

	// RetriesTotal counts retry attempts by graph and node.
	RetriesTotal *prometheus.CounterVec

	// WaitingRuns gauges runs currently paused for human input.
	WaitingRuns *prometheus.GaugeVec

	// DLQWrites counts dead-letter writes by channel.
	DLQWrites *prometheus.CounterVec
}

// NewMetrics registers the runtime's instruments with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spice",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Finished runs by graph and final status.",
		}, []string{"graph", "status"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spice",
			Subsystem: "runner",
			Name:      "node_duration_seconds",
			Help:      "Node execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"graph", "node"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spice",
			Subsystem: "runner",
			Name:      "node_retries_total",
			Help:      "Retry attempts by graph and node.",
		}, []string{"graph", "node"}),
		WaitingRuns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spice",
			Subsystem: "runner",
			Name:      "waiting_runs",
			Help:      "Runs currently paused for human input.",
		}, []string{"graph"}),
		DLQWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spice",
			Subsystem: "bus",
			Name:      "dlq_writes_total",
			Help:      "Dead-letter queue writes by channel.",
		}, []string{"channel"}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(graphID string, status RunStatus) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(graphID, string(status)).Inc()
}

// ObserveDLQWrite is shaped to plug into a bus DLQ callback:
//
//	bus.MemoryBusOptions{OnDLQWrite: func(env bus.Envelope, _ string) {
//	    metrics.ObserveDLQWrite(env.ChannelName)
//	}}
func (m *Metrics) ObserveDLQWrite(channelName string) {
	if m == nil {
		return
	}
	m.DLQWrites.WithLabelValues(channelName).Inc()
}

// MetricsMiddleware records node latency and retry counts.
type MetricsMiddleware struct {
	Metrics *Metrics
}

// OnNode implements Middleware.
func (mm *MetricsMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) NodeResult {
	if mm.Metrics == nil {
		return next(ctx, req)
	}
	if req.Attempt > 1 {
		mm.Metrics.RetriesTotal.WithLabelValues(req.Scope.GraphID, req.Node.ID()).Inc()
	}
	start := time.Now()
	result := next(ctx, req)
	mm.Metrics.NodeDuration.
		WithLabelValues(req.Scope.GraphID, req.Node.ID()).
		Observe(time.Since(start).Seconds())
	return result
}

// OnError implements Middleware.
func (mm *MetricsMiddleware) OnError(_ context.Context, _ NodeRequest, _ error) ErrorAction {
	return ActionContinue
}
