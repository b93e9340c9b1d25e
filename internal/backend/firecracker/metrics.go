package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for runsTotal.
const (
	outcomeStarted     = "started"
	outcomeStartFailed = "start_failed"
	outcomeAdopted     = "adopted"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "launchpad_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to the guest accepting the run, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "launchpad_firecracker_active_vms",
			Help: "Number of microVMs this agent is responsible for.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "launchpad_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_firecracker_runs_total",
			Help: "Runs handled by the Firecracker backend, by outcome.",
		},
		[]string{"outcome"},
	)

	guestErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "launchpad_firecracker_guest_errors_total",
			Help: "Failed status exchanges with guest agents.",
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(guestErrorsTotal)

	for _, o := range []string{outcomeStarted, outcomeStartFailed, outcomeAdopted} {
		runsTotal.WithLabelValues(o)
	}
}
