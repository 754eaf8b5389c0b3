package observability

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics exposes Prometheus collectors for the stock ledger
// engine. All methods are safe on a nil receiver so wiring metrics
// stays optional.
type LedgerMetrics struct {
	appends     prometheus.Counter
	rejections  prometheus.Counter
	rebuilds    prometheus.Counter
	verifies    prometheus.Counter
	faults      prometheus.Counter
	quarantined prometheus.Gauge
	alerts      *prometheus.CounterVec
	sinkErrors  prometheus.Counter
}

// NewLedgerMetrics registers the engine collectors against the provided
// registerer. When the registerer is nil the default Prometheus
// registerer is used.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	appends := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kardex_ledger_events_appended_total",
		Help: "Adjustment events durably appended to the ledger.",
	})
	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kardex_ledger_events_rejected_total",
		Help: "Appended events rejected for projection by the insufficient stock guard.",
	})
	rebuilds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kardex_ledger_rebuilds_total",
		Help: "Aggregate rebuilds replayed from the event log.",
	})
	verifies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kardex_ledger_verifications_total",
		Help: "Consistency verifications executed against the event log.",
	})
	faults := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kardex_ledger_consistency_faults_total",
		Help: "Divergences detected between stored aggregates and replays.",
	})
	quarantined := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kardex_ledger_quarantined_keys",
		Help: "Ledger keys currently halted for writes pending a rebuild.",
	})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kardex_ledger_alerts_total",
		Help: "Threshold breach signals emitted, partitioned by kind.",
	}, []string{"kind"})
	sinkErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kardex_ledger_alert_sink_errors_total",
		Help: "Alert publications dropped because a sink returned an error.",
	})
	registerer.MustRegister(appends, rejections, rebuilds, verifies, faults, quarantined, alerts, sinkErrors)
	return &LedgerMetrics{
		appends:     appends,
		rejections:  rejections,
		rebuilds:    rebuilds,
		verifies:    verifies,
		faults:      faults,
		quarantined: quarantined,
		alerts:      alerts,
		sinkErrors:  sinkErrors,
	}
}

// EventAppended counts one durably recorded event.
func (m *LedgerMetrics) EventAppended() {
	if m == nil {
		return
	}
	m.appends.Inc()
}

// EventRejected counts one event rejected for projection.
func (m *LedgerMetrics) EventRejected() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}

// RebuildRan counts one aggregate rebuild.
func (m *LedgerMetrics) RebuildRan() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

// VerifyRan counts one consistency verification.
func (m *LedgerMetrics) VerifyRan() {
	if m == nil {
		return
	}
	m.verifies.Inc()
}

// FaultDetected counts one detected consistency fault.
func (m *LedgerMetrics) FaultDetected() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

// QuarantineSize records how many keys are currently quarantined.
func (m *LedgerMetrics) QuarantineSize(n int) {
	if m == nil {
		return
	}
	m.quarantined.Set(float64(n))
}

// AlertEmitted counts one emitted threshold signal.
func (m *LedgerMetrics) AlertEmitted(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// SinkError counts one failed alert publication.
func (m *LedgerMetrics) SinkError() {
	if m == nil {
		return
	}
	m.sinkErrors.Inc()
}
