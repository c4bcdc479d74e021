package realtime

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/agentgov/internal/domain"
)

// Metrics counts connection lifecycle events.
type Metrics struct {
	StateTransitions  *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgov_realtime_state_transitions_total",
				Help: "Total number of realtime connection state changes",
			},
			[]string{"state"},
		),
		Disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgov_realtime_disconnects_total",
				Help: "Total number of realtime disconnects",
			},
			[]string{"intentional"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentgov_realtime_reconnect_attempts_total",
				Help: "Total number of scheduled reconnects that fired",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.StateTransitions, m.Disconnects, m.ReconnectAttempts)
	}
	return m
}

func (m *Metrics) recordState(state domain.ConnectionState) {
	m.StateTransitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) recordDisconnect(intentional bool) {
	m.Disconnects.WithLabelValues(strconv.FormatBool(intentional)).Inc()
}
