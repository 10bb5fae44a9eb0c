// Package metrics provides Prometheus metrics collection for the
// extension service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extwarden_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extwarden_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	// Lifecycle metrics
	InstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extwarden_installs_total",
			Help: "Total number of install attempts by result",
		},
		[]string{"result"},
	)

	UninstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extwarden_uninstalls_total",
			Help: "Total number of uninstall attempts by result",
		},
		[]string{"result"},
	)

	StateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extwarden_state_changes_total",
			Help: "Total number of enable/disable operations by action",
		},
		[]string{"action"},
	)

	UploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extwarden_upload_bytes",
			Help:    "Size of uploaded archives in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Integrity metrics
	IntegrityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extwarden_integrity_checks_total",
			Help: "Total number of integrity checks by result",
		},
		[]string{"result"},
	)

	BaselineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extwarden_baseline_duration_seconds",
			Help:    "Baseline build duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	InstalledExtensions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extwarden_installed_extensions",
			Help: "Number of currently installed extensions",
		},
	)

	// Active requests
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extwarden_active_requests",
			Help: "Number of currently active requests",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		InstallsTotal,
		UninstallsTotal,
		StateChangesTotal,
		UploadBytes,
		IntegrityChecksTotal,
		BaselineDuration,
		InstalledExtensions,
		ActiveRequests,
	)
}

// Handler returns an HTTP handler for the Prometheus /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest tracks request metrics with timing.
func RecordRequest(route string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	RequestsTotal.WithLabelValues(route, statusStr).Inc()
	RequestDuration.WithLabelValues(route, statusStr).Observe(duration.Seconds())
}

// RecordInstall tracks one install attempt.
func RecordInstall(result string, uploadSize int64) {
	InstallsTotal.WithLabelValues(result).Inc()
	UploadBytes.Observe(float64(uploadSize))
}

// RecordUninstall tracks one uninstall attempt.
func RecordUninstall(result string) {
	UninstallsTotal.WithLabelValues(result).Inc()
}

// RecordStateChange tracks an enable or disable operation.
func RecordStateChange(action string) {
	StateChangesTotal.WithLabelValues(action).Inc()
}

// RecordIntegrityCheck tracks one integrity check result.
func RecordIntegrityCheck(result string) {
	IntegrityChecksTotal.WithLabelValues(result).Inc()
}

// RecordBaselineBuild tracks baseline build duration.
func RecordBaselineBuild(duration time.Duration) {
	BaselineDuration.Observe(duration.Seconds())
}

// UpdateInstalledCount updates the installed extension gauge.
func UpdateInstalledCount(count int) {
	InstalledExtensions.Set(float64(count))
}

// IncrementActiveRequests increments the active request counter.
func IncrementActiveRequests() {
	ActiveRequests.Inc()
}

// DecrementActiveRequests decrements the active request counter.
func DecrementActiveRequests() {
	ActiveRequests.Dec()
}
