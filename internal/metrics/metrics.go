package metrics

import (
	"sync"
	"time"

	"phaseline/internal/domain"
)

// Sink receives orchestrator measurements. The engine owns no counters of
// its own; whatever sink the process injects is the only mutable state.
// Implementations must be safe for concurrent use.
type Sink interface {
	TransitionObserved(phase domain.Phase, outcome domain.TransitionOutcome)
	ValidationObserved(phase domain.Phase, errors, warnings int)
	AgentObserved(role domain.AgentRole, d time.Duration, failed bool)
	GateApproved(gate string)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) TransitionObserved(domain.Phase, domain.TransitionOutcome) {}

func (Nop) ValidationObserved(domain.Phase, int, int) {}

func (Nop) AgentObserved(domain.AgentRole, time.Duration, bool) {}

func (Nop) GateApproved(string) {}

// Memory counts measurements in process memory. Used by tests and the CLI,
// where a scrape endpoint would be pointless.
type Memory struct {
	mu          sync.Mutex
	transitions map[string]int
	findings    map[domain.Phase][2]int
	agentRuns   map[domain.AgentRole]int
	agentFails  map[domain.AgentRole]int
	gates       map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		transitions: map[string]int{},
		findings:    map[domain.Phase][2]int{},
		agentRuns:   map[domain.AgentRole]int{},
		agentFails:  map[domain.AgentRole]int{},
		gates:       map[string]int{},
	}
}

func (m *Memory) TransitionObserved(phase domain.Phase, outcome domain.TransitionOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[string(phase)+"|"+string(outcome)]++
}

func (m *Memory) ValidationObserved(phase domain.Phase, errors, warnings int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.findings[phase]
	m.findings[phase] = [2]int{prev[0] + errors, prev[1] + warnings}
}

func (m *Memory) AgentObserved(role domain.AgentRole, _ time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentRuns[role]++
	if failed {
		m.agentFails[role]++
	}
}

func (m *Memory) GateApproved(gate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[gate]++
}

// Transitions returns how often a (phase, outcome) pair was observed.
func (m *Memory) Transitions(phase domain.Phase, outcome domain.TransitionOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions[string(phase)+"|"+string(outcome)]
}

// AgentRuns returns total and failed invocation counts for a role.
func (m *Memory) AgentRuns(role domain.AgentRole) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentRuns[role], m.agentFails[role]
}

// GateApprovals returns how often a gate was approved.
func (m *Memory) GateApprovals(gate string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gates[gate]
}
