package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	DonationsProcessed   *prometheus.CounterVec
	LedgerSubmissions    prometheus.Counter
	LedgerRetries        prometheus.Counter
	SubmitDuration       prometheus.Histogram
	MilestonesActivated  prometheus.Counter
	MilestonesReleased   prometheus.Counter
	RecurringCycles      *prometheus.CounterVec
	NotificationFailures prometheus.Counter
}

// New creates and registers all engine metrics against reg. Tests pass a
// fresh registry; main passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DonationsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pledger_donations_processed_total",
			Help: "Donations processed by final outcome.",
		}, []string{"outcome"}),
		LedgerSubmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledger_ledger_submissions_total",
			Help: "Transaction envelopes submitted to the ledger.",
		}),
		LedgerRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledger_ledger_retries_total",
			Help: "Submission attempts beyond the first.",
		}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pledger_ledger_submit_duration_seconds",
			Help:    "Wall time of one whole gateway submission including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		MilestonesActivated: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledger_milestones_activated_total",
			Help: "Milestones transitioned pending to active.",
		}),
		MilestonesReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledger_milestones_released_total",
			Help: "Escrowed milestone funds released on the ledger.",
		}),
		RecurringCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pledger_recurring_cycles_total",
			Help: "Per-donor recurring cycle outcomes.",
		}, []string{"outcome"}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pledger_notification_failures_total",
			Help: "Notification sink sends that failed (logged, never surfaced).",
		}),
	}
}
