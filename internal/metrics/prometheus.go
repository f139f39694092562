package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phaseline/internal/domain"
)

// PromSink exports measurements through an owned Prometheus registry. The
// registry is private so two sinks in one process never collide.
type PromSink struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	findings    *prometheus.CounterVec
	agentRuns   *prometheus.CounterVec
	agentTime   *prometheus.HistogramVec
	gates       *prometheus.CounterVec
}

func NewProm() *PromSink {
	s := &PromSink{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_transitions_total",
			Help: "Phase transition attempts by phase and outcome",
		}, []string{"phase", "outcome"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_validation_findings_total",
			Help: "Validation findings by phase and class",
		}, []string{"phase", "class"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_agent_runs_total",
			Help: "Agent invocations by role and failure flag",
		}, []string{"role", "failed"}),
		agentTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phaseline_agent_duration_seconds",
			Help:    "Agent invocation latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"role"}),
		gates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_gate_approvals_total",
			Help: "Gate approvals by gate name",
		}, []string{"gate"}),
	}
	s.registry.MustRegister(s.transitions, s.findings, s.agentRuns, s.agentTime, s.gates)
	return s
}

func (s *PromSink) TransitionObserved(phase domain.Phase, outcome domain.TransitionOutcome) {
	s.transitions.WithLabelValues(string(phase), string(outcome)).Inc()
}

func (s *PromSink) ValidationObserved(phase domain.Phase, errors, warnings int) {
	if errors > 0 {
		s.findings.WithLabelValues(string(phase), "error").Add(float64(errors))
	}
	if warnings > 0 {
		s.findings.WithLabelValues(string(phase), "warning").Add(float64(warnings))
	}
}

func (s *PromSink) AgentObserved(role domain.AgentRole, d time.Duration, failed bool) {
	s.agentRuns.WithLabelValues(string(role), strconv.FormatBool(failed)).Inc()
	s.agentTime.WithLabelValues(string(role)).Observe(d.Seconds())
}

func (s *PromSink) GateApproved(gate string) {
	s.gates.WithLabelValues(gate).Inc()
}

// Handler serves the registry for scraping.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
