package events

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the bus collectors. A nil *Metrics records nothing.
type Metrics struct {
	published   *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	subscribers prometheus.Gauge
	topics      prometheus.Gauge
}

// NewMetrics creates bus collectors and registers them with reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecomments_bus_events_published_total",
				Help: "Comment events published on the topic bus",
			},
			[]string{"kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecomments_bus_deliveries_total",
				Help: "Event deliveries to subscribers by result",
			},
			[]string{"result"},
		),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecomments_bus_subscribers",
			Help: "Active topic subscriptions",
		}),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecomments_bus_topics",
			Help: "Topics with at least one subscriber",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.deliveries, m.subscribers, m.topics)
	}
	return m
}

func (m *Metrics) eventPublished(kind EventKind) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) topicAdded() {
	if m == nil {
		return
	}
	m.topics.Inc()
}

func (m *Metrics) topicRemoved() {
	if m == nil {
		return
	}
	m.topics.Dec()
}
