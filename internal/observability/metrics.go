package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and the group ledger meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	PayloadBytes      *prometheus.CounterVec

	LockWait          prometheus.Histogram
	LockTimeouts      prometheus.Counter
	CommitAttempts    prometheus.Histogram
	CommitConflicts   prometheus.Counter
	RevisionsApplied  *prometheus.CounterVec
	CredentialLookups *prometheus.CounterVec
	Migrations        *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the arc-groups meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arc_groups_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_groups_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_groups_errors_total",
		Help: "Total number of errors by failure kind.",
	}, []string{"operation", "type"})

	payloadBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_groups_payload_bytes_total",
		Help: "Encrypted payload bytes exchanged with the group server.",
	}, []string{"direction"})

	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arc_groups_lock_wait_seconds",
		Help:    "Time spent waiting for the processing lock.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
	})

	lockTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arc_groups_lock_timeouts_total",
		Help: "Processing lock acquisitions that timed out.",
	})

	commitAttempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arc_groups_commit_attempts",
		Help:    "Submit attempts per committed change.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})

	commitConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arc_groups_commit_conflicts_total",
		Help: "Revision conflicts returned by the server.",
	})

	revisionsApplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_groups_revisions_applied_total",
		Help: "Revisions folded into local records.",
	}, []string{"source"})

	credentialLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_groups_credential_lookups_total",
		Help: "Authorization credential lookups by result.",
	}, []string{"result"})

	migrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_groups_migrations_total",
		Help: "Legacy group migrations by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(opDuration, opTotal, errorsTotal, payloadBytes,
		lockWait, lockTimeouts, commitAttempts, commitConflicts,
		revisionsApplied, credentialLookups, migrations)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		ErrorsTotal:       errorsTotal,
		PayloadBytes:      payloadBytes,
		LockWait:          lockWait,
		LockTimeouts:      lockTimeouts,
		CommitAttempts:    commitAttempts,
		CommitConflicts:   commitConflicts,
		RevisionsApplied:  revisionsApplied,
		CredentialLookups: credentialLookups,
		Migrations:        migrations,
	}
}
