package pulse

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is a pluggable observer for completed requests and probe outcomes.
// Implementations must be non-blocking or very fast; the engine invokes the
// sink inline on the request path and does not wait for completion.
type Sink interface {
	ObserveRequest(Observation)
	ObserveProbe(ProbeResult)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) ObserveRequest(Observation) {}
func (NopSink) ObserveProbe(ProbeResult)   {}

// PrometheusSink exports request and probe observations as Prometheus
// metrics, for deployments that scrape alongside the pulse dashboard.
type PrometheusSink struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
}

// NewPrometheusSink registers the pulse metric families on reg. A nil
// registerer gets a private registry, making the sink inert but safe.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &PrometheusSink{
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_request_duration_seconds",
			Help:    "Histogram of request latencies by endpoint pattern.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"pattern", "method", "class"}),

		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_requests_total",
			Help: "Total number of observed requests.",
		}, []string{"pattern", "method", "status"}),

		probesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_probes_total",
			Help: "Total number of probe results by status.",
		}, []string{"endpoint", "status"}),
	}
}

func (s *PrometheusSink) ObserveRequest(obs Observation) {
	s.requestDuration.WithLabelValues(obs.Pattern, obs.Method, statusClass(obs.StatusCode)).
		Observe(obs.Duration.Seconds())
	s.requestsTotal.WithLabelValues(obs.Pattern, obs.Method, strconv.Itoa(obs.StatusCode)).Inc()
}

func (s *PrometheusSink) ObserveProbe(res ProbeResult) {
	s.probesTotal.WithLabelValues(res.EndpointID, string(res.Status)).Inc()
}
