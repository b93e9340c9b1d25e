package manager

import "github.com/prometheus/client_golang/prometheus"

// Launch outcome label values.
const (
	outcomeLaunched    = "launched"
	outcomeInvalid     = "invalid"
	outcomeStartFailed = "start_failed"
	outcomePanic       = "panic"
)

var (
	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_launches_total",
			Help: "Launch attempts by job-set and outcome.",
		},
		[]string{"jobset", "outcome"},
	)

	activeRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launchpad_active_runs",
			Help: "Runs a controller is responsible for.",
		},
		[]string{"jobset"},
	)

	inflightLaunches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "launchpad_inflight_launches",
			Help: "Popped items whose launch has not completed.",
		},
		[]string{"jobset"},
	)

	popErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_pop_errors_total",
			Help: "Failed pops from the run queue.",
		},
		[]string{"jobset"},
	)

	ackFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_ack_failures_total",
			Help: "Started runs whose queue item could not be acknowledged.",
		},
		[]string{"jobset"},
	)

	reapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_runs_reaped_total",
			Help: "Runs removed after reaching a terminal status.",
		},
		[]string{"jobset", "status"},
	)

	orphansAdoptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "launchpad_orphans_adopted_total",
			Help: "Runs from an earlier agent taken over at startup.",
		},
		[]string{"jobset"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "launchpad_reconcile_seconds",
			Help:    "Duration of one reconcile pass, excluding launches.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"jobset"},
	)
)

func init() {
	prometheus.MustRegister(
		launchesTotal,
		activeRuns,
		inflightLaunches,
		popErrorsTotal,
		ackFailuresTotal,
		reapedTotal,
		orphansAdoptedTotal,
		reconcileDuration,
	)
}
