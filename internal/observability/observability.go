package observability

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_jobs_created_total",
		Help: "The total number of export jobs created.",
	}, []string{"type"})

	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_status_polls_total",
		Help: "The total number of remote status fetches.",
	}, []string{"outcome"}) // outcome: success, error

	PollsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "export_status_polls_in_flight",
		Help: "Status fetches currently in flight.",
	})

	PollSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_status_poll_skips_total",
		Help: "Ticks skipped because the concurrency cap was reached.",
	})

	PollGiveUps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_status_poll_giveups_total",
		Help: "Jobs whose polling stopped after consecutive fetch failures.",
	})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_status_poll_duration_seconds",
		Help:    "Duration of remote status fetches.",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_notifications_fired_total",
		Help: "User-facing notifications emitted, by event.",
	}, []string{"event"})
)

// StartMetricsServer exposes Prometheus metrics on a dedicated listener.
func StartMetricsServer(addr string, logger *log.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil && logger != nil {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
}
