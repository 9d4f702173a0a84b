package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the connection layer collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer    prometheus.Gatherer
	activeConns prometheus.Gauge
	activeUsers prometheus.Gauge
	localRooms  prometheus.Gauge
	connects    *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	actions     *prometheus.CounterVec
	fanout      *prometheus.CounterVec
	slowDrops   prometheus.Counter
	handoffs    *prometheus.CounterVec
}

// NewMetrics registers the connection collectors on reg. gatherer backs the
// /metrics handler and may be nil for the default gatherer.
func NewMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	m := &Metrics{
		gatherer: gatherer,
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_connections_active",
			Help: "Open websocket connections.",
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_users_active",
			Help: "Users with an active connection on this process.",
		}),
		localRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_local",
			Help: "Rooms with at least one local member.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_connects_total",
			Help: "Connection attempts, by result.",
		}, []string{"result"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_disconnects_total",
			Help: "Closed connections, by cause.",
		}, []string{"cause"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_actions_total",
			Help: "Client actions handled, by action and result code.",
		}, []string{"action", "code"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_fanout_deliveries_total",
			Help: "Events written to local client queues, by scope.",
		}, []string{"scope"}),
		slowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_slow_client_drops_total",
			Help: "Clients disconnected because their send queue was full.",
		}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_handoffs_total",
			Help: "Duplicate-login handoffs, by where the prior connection lived.",
		}, []string{"where"}),
	}
	reg.MustRegister(m.activeConns, m.activeUsers, m.localRooms, m.connects, m.disconnects,
		m.actions, m.fanout, m.slowDrops, m.handoffs)
	return m
}

func (m *Metrics) IncConn() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) DecConn() {
	if m != nil {
		m.activeConns.Dec()
	}
}

func (m *Metrics) SetUsers(n int) {
	if m != nil {
		m.activeUsers.Set(float64(n))
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.localRooms.Set(float64(n))
	}
}

func (m *Metrics) Connect(result string) {
	if m != nil {
		m.connects.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Disconnect(cause string) {
	if m != nil {
		m.disconnects.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) Action(action, code string) {
	if m != nil {
		m.actions.WithLabelValues(action, code).Inc()
	}
}

func (m *Metrics) Fanout(scope string, n int) {
	if m != nil && n > 0 {
		m.fanout.WithLabelValues(scope).Add(float64(n))
	}
}

func (m *Metrics) SlowDrop() {
	if m != nil {
		m.slowDrops.Inc()
	}
}

func (m *Metrics) Handoff(where string) {
	if m != nil {
		m.handoffs.WithLabelValues(where).Inc()
	}
}

// ServeHTTP exposes the gathered metrics in the Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gatherer := prometheus.DefaultGatherer
	if m != nil {
		gatherer = m.gatherer
	}
	promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
