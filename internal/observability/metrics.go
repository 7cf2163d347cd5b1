package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersBroadcast = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_broadcast_total", Help: "Total offers broadcast to drivers"})
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "matches_total", Help: "Total trips matched to a driver"})
	ExpiredTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_expired_total", Help: "Total offers that expired unclaimed"})
	NoDriversTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "no_drivers_total", Help: "Total trip requests with no eligible drivers nearby"})
	DriversSwept    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "drivers_swept_total", Help: "Total stale driver positions evicted"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_online", Help: "Drivers currently in the spatial index"})

	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trip_dispatch",
		Name:      "broadcast_fanout",
		Help:      "Drivers notified per offer broadcast",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
