// Package metrics exposes Prometheus instrumentation for the
// settlement pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement counts invocation outcomes and dispute refunds. All
// methods are safe on a nil receiver so wiring stays optional in tests.
type Settlement struct {
	outcomes       *prometheus.CounterVec
	disputeRefunds prometheus.Counter
	handlerSeconds prometheus.Histogram
}

func NewSettlement(reg prometheus.Registerer) *Settlement {
	m := &Settlement{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_settlements_total",
			Help: "Terminal invocation outcomes by status.",
		}, []string{"status"}),
		disputeRefunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_dispute_refunds_total",
			Help: "Auto-adjudicated dispute refunds.",
		}),
		handlerSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_handler_duration_seconds",
			Help:    "Outbound protocol handler call duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	reg.MustRegister(m.outcomes, m.disputeRefunds, m.handlerSeconds)
	return m
}

func (m *Settlement) Outcome(status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
}

func (m *Settlement) DisputeRefund() {
	if m == nil {
		return
	}
	m.disputeRefunds.Inc()
}

func (m *Settlement) HandlerDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.handlerSeconds.Observe(d.Seconds())
}
