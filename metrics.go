package urlfetch

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Scheduler's optional observability surface (SPEC_FULL
// §4.4.1), grounded on snapetech-plexTuner's direct use of
// github.com/prometheus/client_golang for its request-serving core. All
// updates happen from inside the scheduler's critical section but are
// themselves non-blocking counter/gauge writes, so they never violate
// §4.4's "hold the lock only for bounded work" constraint.
type Metrics struct {
	ReadyDomains   prometheus.Gauge
	WaitingDomains prometheus.Gauge
	InFlightJobs   prometheus.Gauge
	Dispatches     prometheus.Counter
	ThrottleWait   prometheus.Histogram
}

// NewMetrics builds a Metrics registered against reg. Pass nil to skip
// registration and use the returned Metrics purely in-process (handy for
// tests that just want the fields readable without a Prometheus registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadyDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urlfetch_ready_domains",
			Help: "Number of domains currently in the ready set.",
		}),
		WaitingDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urlfetch_waiting_domains",
			Help: "Number of domains currently waiting on a throttle expiry.",
		}),
		InFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urlfetch_in_flight_jobs",
			Help: "Number of jobs currently dispatched to a worker.",
		}),
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urlfetch_dispatches_total",
			Help: "Total number of items dispatched to a worker.",
		}),
		ThrottleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "urlfetch_throttle_wait_seconds",
			Help:    "Throttle duration computed at each job completion.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ReadyDomains, m.WaitingDomains, m.InFlightJobs, m.Dispatches, m.ThrottleWait)
	}
	return m
}
