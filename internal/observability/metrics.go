package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the control plane.
type Metrics struct {
	submissions   *prometheus.CounterVec
	pollOutcomes  *prometheus.CounterVec
	fetchFailures prometheus.Counter
	failures      *prometheus.CounterVec
	closureSize   prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testrun_submissions_total",
		Help: "Total builds submitted to the Runner by run kind.",
	}, []string{"kind"})
	pollOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testrun_poll_outcomes_total",
		Help: "Total finished status polls by outcome.",
	}, []string{"outcome"})
	fetchFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testrun_poll_fetch_failures_total",
		Help: "Total status fetches that failed and were retried.",
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testrun_failures_total",
		Help: "Total failures by type.",
	}, []string{"type"})
	closureSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "testrun_closure_size",
		Help:    "Number of tests in each resolved run-after closure.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	return &Metrics{
		submissions:   registerCounterVec(registerer, submissions),
		pollOutcomes:  registerCounterVec(registerer, pollOutcomes),
		fetchFailures: register(registerer, fetchFailures),
		failures:      registerCounterVec(registerer, failures),
		closureSize:   register(registerer, closureSize),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncSubmission(kind string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPollOutcome(outcome string) {
	if m == nil || m.pollOutcomes == nil {
		return
	}
	m.pollOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFetchFailure() {
	if m == nil || m.fetchFailures == nil {
		return
	}
	m.fetchFailures.Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveClosureSize(size int) {
	if m == nil || m.closureSize == nil {
		return
	}
	m.closureSize.Observe(float64(size))
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}
