package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsSink over prometheus
type PrometheusCollector struct {
	stateTransitions    *prometheus.CounterVec
	candidatesQueued    prometheus.Counter
	candidatesFlushed   prometheus.Counter
	controlMessages     *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	callsStarted        prometheus.Counter
	callDuration        prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		stateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_state_transitions_total",
			Help: "Transport state machine transitions by kind and state",
		}, []string{"kind", "state"}),

		candidatesQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_ice_candidates_queued_total",
			Help: "ICE candidates held until the remote description was set",
		}),

		candidatesFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_ice_candidates_flushed_total",
			Help: "Queued ICE candidates applied after the remote description",
		}),

		controlMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_control_messages_total",
			Help: "Control channel messages by direction",
		}, []string{"direction"}),

		negotiationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicelink_negotiation_duration_seconds",
			Help:    "Duration of negotiation operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),

		callsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_calls_started_total",
			Help: "Calls started",
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelink_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

func (c *PrometheusCollector) StateTransition(kind, state string) {
	c.stateTransitions.WithLabelValues(kind, state).Inc()
}

func (c *PrometheusCollector) CandidateQueued() {
	c.candidatesQueued.Inc()
}

func (c *PrometheusCollector) CandidatesFlushed(n int) {
	c.candidatesFlushed.Add(float64(n))
}

func (c *PrometheusCollector) ControlMessage(direction string) {
	c.controlMessages.WithLabelValues(direction).Inc()
}

func (c *PrometheusCollector) ObserveNegotiation(operation string, d time.Duration) {
	c.negotiationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (c *PrometheusCollector) CallStarted() {
	c.callsStarted.Inc()
}

func (c *PrometheusCollector) CallEnded(d time.Duration) {
	c.callDuration.Observe(d.Seconds())
}
