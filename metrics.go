package talentbridge

import "github.com/prometheus/client_golang/prometheus"

// Refresh triggers and outcomes used as metric labels.
const (
	triggerReactive  = "reactive"
	triggerProactive = "proactive"
	triggerExplicit  = "explicit"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics exposes the session core's counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	refreshes     *prometheus.CounterVec
	queued        prometheus.Counter
	reconnects    prometheus.Counter
	state         *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	unread        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talentbridge_refresh_total",
			Help: "Token refresh calls by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talentbridge_requests_queued_total",
			Help: "Requests parked behind an in-flight token refresh.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talentbridge_realtime_reconnects_total",
			Help: "Realtime reconnection attempts.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "talentbridge_realtime_state",
			Help: "1 for the current realtime connection state, 0 otherwise.",
		}, []string{"state"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talentbridge_notifications_total",
			Help: "Inbound realtime messages by disposition.",
		}, []string{"disposition"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talentbridge_unread_count",
			Help: "Current unread message count.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.queued, m.reconnects, m.state, m.notifications, m.unread)
	}
	return m
}

func (m *Metrics) observeRefresh(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.refreshes.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) requestQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setState(s RealtimeState) {
	if m == nil {
		return
	}
	for _, st := range []RealtimeState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) notification(d Disposition) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}
