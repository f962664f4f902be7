// Package metrics provides Prometheus metrics for the FileFlow server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all FileFlow metrics.
var Registry = prometheus.NewRegistry()

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of server metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	// Upload and download activity
	UploadsTotal        *prometheus.CounterVec // fileflow_uploads_total{backend,outcome}
	UploadBytesTotal    *prometheus.CounterVec // fileflow_upload_bytes_total{backend}
	DownloadsTotal      prometheus.Counter
	ChunkSessionsActive prometheus.Gauge

	// Quota
	QuotaReservations *prometheus.CounterVec // fileflow_quota_reservations_total{outcome}
	QuotaReleases     prometheus.Counter

	// Notifications
	NotificationsDelivered prometheus.Counter
	NotificationsQueued    prometheus.Counter
	NotificationRetries    prometheus.Counter
	ConnectedUsers         prometheus.Gauge

	// Search
	SearchesTotal *prometheus.CounterVec // fileflow_searches_total{route}
}

// Init initializes all server metrics. Metrics are only registered
// once; subsequent calls return the same instance. Pass a registry to
// register with that registry; nil uses the package Registry.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
			Registry.MustRegister(collectors.NewGoCollector())
			Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		metricsInstance = &Metrics{
			UploadsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "fileflow_uploads_total",
				Help: "Total upload operations by storage backend and outcome",
			}, []string{"backend", "outcome"}),

			UploadBytesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "fileflow_upload_bytes_total",
				Help: "Total bytes accepted by uploads per storage backend",
			}, []string{"backend"}),

			DownloadsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "fileflow_downloads_total",
				Help: "Total download operations",
			}),

			ChunkSessionsActive: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "fileflow_chunk_sessions_active",
				Help: "Number of open chunked upload sessions",
			}),

			QuotaReservations: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "fileflow_quota_reservations_total",
				Help: "Quota reservation attempts by outcome (granted, denied)",
			}, []string{"outcome"}),

			QuotaReleases: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "fileflow_quota_releases_total",
				Help: "Reservations released without confirmation",
			}),

			NotificationsDelivered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "fileflow_notifications_delivered_total",
				Help: "Notifications delivered over live connections",
			}),

			NotificationsQueued: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "fileflow_notifications_queued_total",
				Help: "Notifications queued for offline users",
			}),

			NotificationRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "fileflow_notification_retries_total",
				Help: "Queued notification redelivery attempts",
			}),

			ConnectedUsers: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "fileflow_connected_users",
				Help: "Users with at least one live WebSocket connection",
			}),

			SearchesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "fileflow_searches_total",
				Help: "Search requests by route (combined, content, tag, type)",
			}, []string{"route"}),
		}
	})

	return metricsInstance
}
