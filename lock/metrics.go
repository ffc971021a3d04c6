package lock

import "github.com/prometheus/client_golang/prometheus"

// metrics are the Table's optional prometheus instrumentation. NewTable
// registers these against Options.Registerer when it is non-nil; with a
// nil Registerer they are created but never registered, which is how
// tests build a table per test without duplicate-registration panics.
type metrics struct {
	waitSeconds  prometheus.Histogram
	deadlocks    prometheus.Counter
	timeouts     prometheus.Counter
	heldGauge    prometheus.Gauge
	waitingGauge prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tupl_lock_wait_seconds",
			Help:    "Time spent blocked acquiring a lock.",
			Buckets: prometheus.DefBuckets,
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tupl_lock_deadlocks_total",
			Help: "Deadlocks found by the detector.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tupl_lock_timeouts_total",
			Help: "Lock waits that exhausted their deadline without a cycle.",
		}),
		heldGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tupl_lock_held",
			Help: "Locks currently held in any mode.",
		}),
		waitingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tupl_lock_waiters",
			Help: "Goroutines currently blocked on a lock.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.waitSeconds, m.deadlocks, m.timeouts, m.heldGauge, m.waitingGauge)
	}
	return m
}
