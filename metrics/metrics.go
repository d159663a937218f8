package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a dedicated registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// EngineMetrics counts what happens to OCPP operations. A nil *EngineMetrics is
// valid and records nothing.
type EngineMetrics struct {
	CallsSent          *prometheus.CounterVec // labels: action
	Retransmissions    *prometheus.CounterVec // labels: action
	Outcomes           *prometheus.CounterVec // labels: action, outcome=succeeded|failed|timed_out
	InboundCalls       *prometheus.CounterVec // labels: action, result=accepted|not_implemented|error
	MalformedFrames    prometheus.Counter
	UnexpectedResults  prometheus.Counter
	Pending            prometheus.Gauge
	StatusNotification *prometheus.CounterVec // labels: connector, status
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		CallsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_calls_sent_total",
			Help: "Outbound OCPP calls initiated, by action.",
		}, []string{"action"}),
		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_call_retransmissions_total",
			Help: "Outbound OCPP calls re-sent after a timeout, by action.",
		}, []string{"action"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_call_outcomes_total",
			Help: "Terminal outcomes of outbound OCPP calls.",
		}, []string{"action", "outcome"}),
		InboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_inbound_calls_total",
			Help: "Calls received from the Central System.",
		}, []string{"action", "result"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_malformed_frames_total",
			Help: "Inbound frames dropped because they could not be parsed.",
		}),
		UnexpectedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_unexpected_results_total",
			Help: "CallResult or CallError frames for ids that are not pending.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_pending_calls",
			Help: "Outbound calls waiting for a confirmation.",
		}),
		StatusNotification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_status_notifications_total",
			Help: "StatusNotification operations emitted, by connector and status.",
		}, []string{"connector", "status"}),
	}
	reg.MustRegister(m.CallsSent, m.Retransmissions, m.Outcomes, m.InboundCalls,
		m.MalformedFrames, m.UnexpectedResults, m.Pending, m.StatusNotification)
	return m
}

func (m *EngineMetrics) Sent(action string) {
	if m == nil {
		return
	}
	m.CallsSent.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) Retransmitted(action string) {
	if m == nil {
		return
	}
	m.Retransmissions.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) Completed(action, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(action, outcome).Inc()
}

func (m *EngineMetrics) Received(action, result string) {
	if m == nil {
		return
	}
	m.InboundCalls.WithLabelValues(action, result).Inc()
}

func (m *EngineMetrics) Malformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *EngineMetrics) Unexpected() {
	if m == nil {
		return
	}
	m.UnexpectedResults.Inc()
}

func (m *EngineMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *EngineMetrics) StatusReported(connector, status string) {
	if m == nil {
		return
	}
	m.StatusNotification.WithLabelValues(connector, status).Inc()
}
