package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	MessagesReceived prometheus.Counter
	TypingSignals    prometheus.Counter
	DeltasApplied    *prometheus.CounterVec
	CacheWrites      *prometheus.CounterVec
	SessionStates    *prometheus.CounterVec
	CommandFailures  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_received_total",
			Help:      "Messages appended to local state from the transport.",
		}),
		TypingSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "typing_signals_total",
			Help:      "Typing control messages intercepted before merge.",
		}),
		DeltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "deltas_applied_total",
			Help:      "Reaction, receipt and revoke updates applied to a known message.",
		}, []string{"kind"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "cache_writes_total",
			Help:      "Debounced cache writes by result.",
		}, []string{"result"}),
		SessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		CommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "command_failures_total",
			Help:      "Transport commands that failed, by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.TypingSignals,
			m.DeltasApplied,
			m.CacheWrites,
			m.SessionStates,
			m.CommandFailures,
		)
	}
	return m
}

func (m *Metrics) messagesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesReceived.Add(float64(n))
}

func (m *Metrics) typingSignal() {
	if m == nil {
		return
	}
	m.TypingSignals.Inc()
}

func (m *Metrics) deltaApplied(kind string) {
	if m == nil {
		return
	}
	m.DeltasApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) cacheWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) sessionState(s SessionStatus) {
	if m == nil {
		return
	}
	m.SessionStates.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) commandFailed(op string) {
	if m == nil {
		return
	}
	m.CommandFailures.WithLabelValues(op).Inc()
}
