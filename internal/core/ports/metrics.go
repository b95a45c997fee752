package ports

import "time"

// MetricsSink receives transport lifecycle measurements. The prometheus
// collector implements it; NopMetrics is used when monitoring is disabled.
type MetricsSink interface {
	StateTransition(kind, state string)
	CandidateQueued()
	CandidatesFlushed(n int)
	ControlMessage(direction string)
	ObserveNegotiation(operation string, d time.Duration)
	CallStarted()
	CallEnded(d time.Duration)
}

// NopMetrics discards all measurements
type NopMetrics struct{}

func (NopMetrics) StateTransition(kind, state string)                {}
func (NopMetrics) CandidateQueued()                                  {}
func (NopMetrics) CandidatesFlushed(n int)                           {}
func (NopMetrics) ControlMessage(direction string)                   {}
func (NopMetrics) ObserveNegotiation(operation string, d time.Duration) {}
func (NopMetrics) CallStarted()                                      {}
func (NopMetrics) CallEnded(d time.Duration)                         {}
