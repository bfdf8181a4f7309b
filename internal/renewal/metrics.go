package renewal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/coverwatch/internal/stage"
)

// Hooks receives scheduler and runner callbacks. Nil fields are skipped.
type Hooks struct {
	OnEvaluate    func(outcome Outcome, st stage.Stage, duration time.Duration)
	OnNotifyError func(st stage.Stage)
	OnRun         func(stats RunStats, duration time.Duration, err error)
}

func (h Hooks) evaluate(o Outcome, st stage.Stage, d time.Duration) {
	if h.OnEvaluate != nil {
		h.OnEvaluate(o, st, d)
	}
}

func (h Hooks) notifyError(st stage.Stage) {
	if h.OnNotifyError != nil {
		h.OnNotifyError(st)
	}
}

func (h Hooks) run(stats RunStats, d time.Duration, err error) {
	if h.OnRun != nil {
		h.OnRun(stats, d, err)
	}
}

// Metrics holds Prometheus metrics for the renewal subsystem.
type Metrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	NotifyFailures     *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	RunRecords         prometheus.Histogram
	RecordFailures     prometheus.Counter
}

// NewMetrics registers and returns renewal metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverwatch_renewal_evaluations_total",
			Help: "Renewal record evaluations by outcome and stage.",
		}, []string{"outcome", "stage"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coverwatch_renewal_evaluation_duration_seconds",
			Help:    "Duration of a single renewal record evaluation in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}),
		NotifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverwatch_renewal_notify_failures_total",
			Help: "Escalation events that at least one notifier failed to handle.",
		}, []string{"stage"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverwatch_renewal_runs_total",
			Help: "Renewal batch runs by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coverwatch_renewal_run_duration_seconds",
			Help:    "Duration of renewal batch runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~200s
		}),
		RunRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coverwatch_renewal_run_records",
			Help:    "Due records processed per batch run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. 16384
		}),
		RecordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coverwatch_renewal_record_failures_total",
			Help: "Renewal records whose cycle aborted and will be retried.",
		}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.NotifyFailures,
		m.RunsTotal,
		m.RunDuration,
		m.RunRecords,
		m.RecordFailures,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvaluate: func(o Outcome, st stage.Stage, d time.Duration) {
			m.EvaluationsTotal.WithLabelValues(string(o), st.String()).Inc()
			m.EvaluationDuration.Observe(d.Seconds())
			if o == OutcomeFailed {
				m.RecordFailures.Inc()
			}
		},
		OnNotifyError: func(st stage.Stage) {
			m.NotifyFailures.WithLabelValues(st.String()).Inc()
		},
		OnRun: func(stats RunStats, d time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.RunsTotal.WithLabelValues(result).Inc()
			m.RunDuration.Observe(d.Seconds())
			m.RunRecords.Observe(float64(stats.Due))
		},
	}
}
