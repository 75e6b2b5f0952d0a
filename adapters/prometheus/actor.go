package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/svcrt/core/actor"
)

// actorMetrics implements actor.Metrics using Prometheus.
type actorMetrics struct {
	servicesLive  prometheus.Gauge
	panicTotal    *prometheus.CounterVec
	errorTotal    *prometheus.CounterVec
	undeliverable prometheus.Counter
}

// NewActorMetrics creates a new Prometheus implementation of actor.Metrics.
func NewActorMetrics(reg prometheus.Registerer) actor.Metrics {
	m := &actorMetrics{
		servicesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_live",
			Help:      "Number of registered services",
		}),

		panicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered handler panics",
		}, []string{"service"}),

		errorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total number of handler errors",
		}, []string{"service"}),

		undeliverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undeliverable_total",
			Help:      "Total number of messages handed back to their sender",
		}),
	}

	reg.MustRegister(
		m.servicesLive,
		m.panicTotal,
		m.errorTotal,
		m.undeliverable,
	)

	return m
}

func (m *actorMetrics) ServicesLive(n int) { m.servicesLive.Set(float64(n)) }

func (m *actorMetrics) HandlerPanic(name string) {
	m.panicTotal.WithLabelValues(name).Inc()
}

func (m *actorMetrics) HandlerError(name string) {
	m.errorTotal.WithLabelValues(name).Inc()
}

func (m *actorMetrics) Undeliverable() { m.undeliverable.Inc() }

var _ actor.Metrics = (*actorMetrics)(nil)
