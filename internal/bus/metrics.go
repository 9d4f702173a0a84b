package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the bus collectors. A nil *Metrics records nothing.
type Metrics struct {
	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	dropped       prometheus.Counter
	topics        prometheus.Gauge
	resubscribes  *prometheus.CounterVec
	healthy       prometheus.Gauge
}

// NewMetrics registers the bus collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_bus_published_total",
			Help: "Events published, by fan-out scope.",
		}, []string{"scope"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_bus_delivered_total",
			Help: "Events delivered to local subscribers, by fan-out scope.",
		}, []string{"scope"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_bus_publish_errors_total",
			Help: "Publishes that failed on the transport.",
		}, []string{"scope"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_bus_dropped_total",
			Help: "Deliveries dropped because no local subscriber holds the topic or the payload was malformed.",
		}),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_bus_topics",
			Help: "Topics this process is subscribed to.",
		}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_bus_resubscribes_total",
			Help: "Full resubscriptions after transport recovery, by result.",
		}, []string{"result"}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_bus_healthy",
			Help: "1 when the last transport health check succeeded.",
		}),
	}
	reg.MustRegister(m.published, m.delivered, m.publishErrors, m.dropped, m.topics, m.resubscribes, m.healthy)
	return m
}

func (m *Metrics) recordPublish(topic string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishErrors.WithLabelValues(Scope(topic)).Inc()
		return
	}
	m.published.WithLabelValues(Scope(topic)).Inc()
}

func (m *Metrics) recordDelivery(topic string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(Scope(topic)).Inc()
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) setTopics(n int) {
	if m == nil {
		return
	}
	m.topics.Set(float64(n))
}

func (m *Metrics) recordResubscribe(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.resubscribes.WithLabelValues(result).Inc()
}

func (m *Metrics) setHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.healthy.Set(1)
		return
	}
	m.healthy.Set(0)
}
