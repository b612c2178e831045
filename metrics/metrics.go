package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "speakme_active_connections",
			Help: "Number of registered client connections.",
		},
	)
	activeGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "speakme_active_groups",
			Help: "Number of live groups.",
		},
	)
	relayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speakme_relayed_frames_total",
			Help: "Total number of frames forwarded by the relay, by message kind.",
		},
		[]string{"kind"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speakme_dropped_frames_total",
			Help: "Total number of frames dropped instead of delivered.",
		},
		[]string{"reason"},
	)
	decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "speakme_decode_errors_total",
			Help: "Total number of malformed frames dropped at the decode boundary.",
		},
	)
	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "speakme_evictions_total",
			Help: "Total number of connections evicted by a duplicate login.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		activeConnections,
		activeGroups,
		relayedTotal,
		droppedTotal,
		decodeErrorsTotal,
		evictionsTotal,
	)
}

func IncConnections() { activeConnections.Inc() }

func DecConnections() { activeConnections.Dec() }

func SetGroups(n int) { activeGroups.Set(float64(n)) }

func IncRelayed(kind string) { relayedTotal.WithLabelValues(kind).Inc() }

func IncDropped(reason string) { droppedTotal.WithLabelValues(reason).Inc() }

func IncDecodeError() { decodeErrorsTotal.Inc() }

func IncEviction() { evictionsTotal.Inc() }

// Serve exposes /metrics on addr. Blocks; run it in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
