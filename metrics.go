package gridftp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelOp     = "op"
	LabelResult = "result"
	LabelFrom   = "from"
	LabelTo     = "to"
	LabelReason = "reason"
)

// Result label values.
const (
	ResultOK       = "ok"
	ResultEOF      = "eof"
	ResultCanceled = "canceled"
	ResultError    = "error"
)

// Metrics provides Prometheus metrics for the driver.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	opsTotal        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	abortsTotal     *prometheus.CounterVec
	drainFailures   prometheus.Counter
	outstandingIO   prometheus.Gauge
	handlesOpen     prometheus.Gauge
	requestorHits   prometheus.Counter
	requestorMisses prometheus.Counter
}

// NewMetrics creates and registers the driver metrics.
// If registry is nil, metrics will be created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gridftp",
				Subsystem: "driver",
				Name:      "operations_total",
				Help:      "Total number of completed driver operations",
			},
			[]string{LabelOp, LabelResult},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gridftp",
				Subsystem: "driver",
				Name:      "state_transitions_total",
				Help:      "Total number of handle state transitions",
			},
			[]string{LabelFrom, LabelTo},
		),

		abortsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gridftp",
				Subsystem: "driver",
				Name:      "aborts_total",
				Help:      "Total number of aborted transfers",
			},
			[]string{LabelReason},
		),

		drainFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gridftp",
				Subsystem: "driver",
				Name:      "pending_failures_total",
				Help:      "Total number of queued operations that failed to start",
			},
		),

		outstandingIO: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gridftp",
				Subsystem: "driver",
				Name:      "outstanding_io",
				Help:      "Number of registered low-level reads and writes not yet completed",
			},
		),

		handlesOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gridftp",
				Subsystem: "driver",
				Name:      "handles_open",
				Help:      "Number of live handles",
			},
		),

		requestorHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gridftp",
				Subsystem: "requestors",
				Name:      "pool_hits_total",
				Help:      "Requestors served from the free list",
			},
		),

		requestorMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gridftp",
				Subsystem: "requestors",
				Name:      "pool_misses_total",
				Help:      "Requestors allocated because the free list was empty",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.opsTotal,
			m.transitions,
			m.abortsTotal,
			m.drainFailures,
			m.outstandingIO,
			m.handlesOpen,
			m.requestorHits,
			m.requestorMisses,
		)
	}

	return m
}

// ObserveOp records the completion of an operation.
func (m *Metrics) ObserveOp(op string, err error) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveAbort records an abort of the current transfer.
func (m *Metrics) ObserveAbort(reason string) {
	if m == nil {
		return
	}
	m.abortsTotal.WithLabelValues(reason).Inc()
}

// ObservePendingFailures records queued operations failed during a drain.
func (m *Metrics) ObservePendingFailures(n int) {
	if m == nil {
		return
	}
	m.drainFailures.Add(float64(n))
}

// AddOutstanding adjusts the outstanding low-level I/O gauge.
func (m *Metrics) AddOutstanding(delta int) {
	if m == nil {
		return
	}
	m.outstandingIO.Add(float64(delta))
}

// AddHandles adjusts the live handle gauge.
func (m *Metrics) AddHandles(delta int) {
	if m == nil {
		return
	}
	m.handlesOpen.Add(float64(delta))
}

// ObservePool records a requestor pool lookup.
func (m *Metrics) ObservePool(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.requestorHits.Inc()
		return
	}
	m.requestorMisses.Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case isEOF(err):
		return ResultEOF
	case isCanceled(err):
		return ResultCanceled
	default:
		return ResultError
	}
}
