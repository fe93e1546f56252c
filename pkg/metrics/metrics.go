// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	ConnectionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_connections_tracked",
			Help: "Number of live agent connections currently tracked",
		},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_registrations_total",
			Help: "Total registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_heartbeats_total",
			Help: "Total heartbeats received",
		},
	)

	// Sweep metrics
	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_sweep_cycles_total",
			Help: "Total liveness sweep cycles completed",
		},
	)

	SweepTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_sweep_timeouts_total",
			Help: "Workers forced offline by the sweep, by detection path",
		},
		[]string{"reason"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_sweep_duration_seconds",
			Help:    "Liveness sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deployment metrics (reported by agents over the channel)
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_deployments_total",
			Help: "Deployment instruction outcomes by action and status",
		},
		[]string{"action", "status"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ConnectionsTracked)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepTimeoutsTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(DeploymentsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
