package streamfetch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamfetch",
			Subsystem: "fetcher",
			Name:      "events_total",
			Help:      "Stream events seen by the fetcher by outcome and decision reason.",
		}, []string{"worker", "outcome", "reason"})

	pureStreamTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamfetch",
			Subsystem: "fetcher",
			Name:      "pure_stream_transitions_total",
			Help:      "Tables that crossed their max high watermark.",
		}, []string{"worker"})

	workerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamfetch",
			Subsystem: "fetcher",
			Name:      "worker_failures_total",
			Help:      "Fetch tasks that ended with an error.",
		}, []string{"worker"})

	closeTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamfetch",
			Subsystem: "fetcher",
			Name:      "close_timeouts_total",
			Help:      "Closes that had to force-cancel the worker.",
		}, []string{"worker"})

	pollBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streamfetch",
			Subsystem: "fetcher",
			Name:      "poll_batch_size",
			Help:      "Events returned by one poll after filtering.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"worker"})
)

// InitMetrics registers all fetcher metrics.
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(eventsTotal)
	registry.MustRegister(pureStreamTransitionsTotal)
	registry.MustRegister(workerFailuresTotal)
	registry.MustRegister(closeTimeoutsTotal)
	registry.MustRegister(pollBatchSize)
}
