package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remoshot_connected_agents",
		Help: "Number of authenticated agents currently connected.",
	})
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remoshot_requests_total",
		Help: "Total number of screenshot fan-out requests by outcome.",
	}, []string{"outcome"}) // "complete", "timeout", "cancelled", "empty"
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "remoshot_request_duration_seconds",
		Help:    "Duration of screenshot fan-out requests.",
		Buckets: prometheus.DefBuckets,
	})
	ScreenshotsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoshot_screenshots_received_total",
		Help: "Total number of screenshot payloads received from agents.",
	})
	ImagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoshot_images_stored_total",
		Help: "Total number of images successfully written to disk.",
	})
	ImageWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoshot_image_write_errors_total",
		Help: "Total number of failed image writes.",
	})
	ImagesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoshot_images_swept_total",
		Help: "Total number of images removed by the retention sweeper.",
	})
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoshot_auth_failures_total",
		Help: "Total number of agent connections rejected for a bad MAC.",
	})
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remoshot_broadcast_drops_total",
		Help: "Total number of broadcast enqueues that failed (full or closed sink).",
	})
)
