package writer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the writer collectors. A nil *Metrics records nothing.
type Metrics struct {
	buffered      prometheus.Gauge
	rejected      prometheus.Counter
	flushes       *prometheus.CounterVec
	flushed       prometheus.Counter
	flushDuration prometheus.Histogram
}

// NewMetrics registers the writer collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_writer_buffered_messages",
			Help: "Messages accepted but not yet durable.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_writer_rejected_total",
			Help: "Submissions rejected because the buffer was full.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_writer_flushes_total",
			Help: "Bulk writes attempted, by result.",
		}, []string{"result"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_writer_flushed_messages_total",
			Help: "Messages made durable.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomcast_writer_flush_duration_seconds",
			Help:    "Duration of bulk writes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(m.buffered, m.rejected, m.flushes, m.flushed, m.flushDuration)
	return m
}

func (m *Metrics) setBuffered(n int) {
	if m == nil {
		return
	}
	m.buffered.Set(float64(n))
}

func (m *Metrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) recordFlush(n int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(took.Seconds())
	if err != nil {
		m.flushes.WithLabelValues("error").Inc()
		return
	}
	m.flushes.WithLabelValues("ok").Inc()
	m.flushed.Add(float64(n))
}
