package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the send pipeline, labeled coarsely (tenant,
// priority, outcome, trigger, broadcast id) — never by chat id or
// recipient, which would make
// cardinality unbounded for a broadcast gateway.
var (
	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sends_total",
		Help: "Total send attempts by tenant, priority, and outcome",
	}, []string{"tenant", "priority", "outcome"})

	sendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_send_duration_seconds",
		Help:    "Upstream send latency by tenant and priority",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"tenant", "priority"})

	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Total 429 responses observed from upstream, by tenant",
	}, []string{"tenant"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_send_queue_depth",
		Help: "Current Send Queue depth by priority",
	}, []string{"priority"})

	downsellsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_downsells_scheduled_total",
		Help: "Total downsell schedules created, by tenant and trigger",
	}, []string{"tenant", "trigger"})

	broadcastProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_broadcast_progress",
		Help: "Sent/failed/total counters for in-flight broadcasts, by broadcast id and counter",
	}, []string{"broadcast_id", "counter"})
)

func init() {
	prometheus.MustRegister(sendsTotal, sendLatency, rateLimitedTotal, queueDepth, downsellsScheduled, broadcastProgress)
}

// ObserveSend records a send outcome for the Prometheus exporter. Call
// alongside Sink.RecordSuccess/RecordFailure, not instead of it — the ring
// sink serves admin percentile queries, this serves dashboards/alerting.
func ObserveSend(tenant, priority, outcome string, latency time.Duration) {
	sendsTotal.WithLabelValues(tenant, priority, outcome).Inc()
	if outcome == "success" {
		sendLatency.WithLabelValues(tenant, priority).Observe(latency.Seconds())
	}
}

// ObserveRateLimited increments the 429 counter for a tenant.
func ObserveRateLimited(tenant string) {
	rateLimitedTotal.WithLabelValues(tenant).Inc()
}

// SetQueueDepth reports current Send Queue depth for a priority level.
func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// ObserveDownsellScheduled increments the downsell scheduling counter.
func ObserveDownsellScheduled(tenant, trigger string) {
	downsellsScheduled.WithLabelValues(tenant, trigger).Inc()
}

// SetBroadcastProgress reports a broadcast's running counters.
func SetBroadcastProgress(broadcastID, counter string, value int) {
	broadcastProgress.WithLabelValues(broadcastID, counter).Set(float64(value))
}

// Handler returns the /metrics HTTP handler for promhttp scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
