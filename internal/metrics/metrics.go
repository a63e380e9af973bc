package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the gateway. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	decisions          *prometheus.CounterVec
	evaluateDuration   prometheus.Histogram
	receiptsAppended   prometheus.Counter
	escrowTransitions  *prometheus.CounterVec
	settlementFailures prometheus.Counter
	pending            prometheus.Gauge
	policyReloads      *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivegate_decisions_total",
			Help: "Terminal decisions grouped by verdict and reason",
		}, []string{"verdict", "reason"}),
		evaluateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hivegate_evaluate_duration_seconds",
			Help:    "Latency of command evaluation through settlement",
			Buckets: prometheus.DefBuckets,
		}),
		receiptsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hivegate_receipts_appended_total",
			Help: "Receipts appended to the ledger",
		}),
		escrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivegate_escrow_transitions_total",
			Help: "Escrow lock transitions grouped by resulting state",
		}, []string{"state"}),
		settlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hivegate_settlement_failures_total",
			Help: "Allow decisions whose settlement failed",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hivegate_confirmations_pending",
			Help: "Confirmations awaiting an operator",
		}),
		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivegate_policy_reloads_total",
			Help: "Policy document reloads grouped by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.decisions,
			r.evaluateDuration,
			r.receiptsAppended,
			r.escrowTransitions,
			r.settlementFailures,
			r.pending,
			r.policyReloads,
		)
	}
	return r
}

// Handler returns an HTTP handler for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveDecision counts one terminal decision.
func (r *Recorder) ObserveDecision(verdict, reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	r.decisions.WithLabelValues(verdict, reason).Inc()
}

// ObserveEvaluate records how long a decision took.
func (r *Recorder) ObserveEvaluate(d time.Duration) {
	if r == nil {
		return
	}
	r.evaluateDuration.Observe(d.Seconds())
}

func (r *Recorder) ObserveReceipt() {
	if r == nil {
		return
	}
	r.receiptsAppended.Inc()
}

// ObserveEscrowTransition counts a lock entering state.
func (r *Recorder) ObserveEscrowTransition(state string) {
	if r == nil {
		return
	}
	r.escrowTransitions.WithLabelValues(state).Inc()
}

func (r *Recorder) ObserveSettlementFailure() {
	if r == nil {
		return
	}
	r.settlementFailures.Inc()
}

// SetPending sets the number of confirmations awaiting an operator.
func (r *Recorder) SetPending(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

// ObservePolicyReload counts reload attempts by result ("ok" or "error").
func (r *Recorder) ObservePolicyReload(result string) {
	if r == nil {
		return
	}
	r.policyReloads.WithLabelValues(result).Inc()
}
