package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/svcrt/core/engine"
	"github.com/codewandler/svcrt/core/metrics"
)

// engineMetrics implements engine.Metrics using Prometheus.
type engineMetrics struct {
	dispatchDuration *prometheus.HistogramVec
	dispatchedTotal  *prometheus.CounterVec
	droppedTotal     prometheus.Counter
	overloadTotal    prometheus.Counter
	overloadLength   prometheus.Gauge
	endlessTotal     prometheus.Counter
	sleepingWorkers  prometheus.Gauge
	globalQueue      prometheus.Gauge
	timerTicks       prometheus.Counter
	timersPending    prometheus.Gauge
	socketEvents     *prometheus.CounterVec
}

// NewEngineMetrics creates a new Prometheus implementation of engine.Metrics.
func NewEngineMetrics(reg prometheus.Registerer) engine.Metrics {
	m := &engineMetrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in one service dispatch",
			Buckets:   defaultBuckets,
		}, []string{"kind"}),

		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total number of messages dispatched to services",
		}, []string{"kind"}),

		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped because their service was gone",
		}),

		overloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overload_total",
			Help:      "Total number of service queue overload warnings",
		}),

		overloadLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_overload_length",
			Help:      "Queue length of the last overload warning",
		}),

		endlessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endless_dispatch_total",
			Help:      "Total number of dispatches the monitor reported as stuck",
		}),

		sleepingWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_sleeping",
			Help:      "Number of workers waiting for work",
		}),

		globalQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_queue_length",
			Help:      "Number of service queues waiting on the global chain",
		}),

		timerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_ticks_total",
			Help:      "Total number of timer wheel ticks",
		}),

		timersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_pending",
			Help:      "Number of timers waiting to fire",
		}),

		socketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_events_total",
			Help:      "Total number of socket events forwarded to services",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.dispatchDuration,
		m.dispatchedTotal,
		m.droppedTotal,
		m.overloadTotal,
		m.overloadLength,
		m.endlessTotal,
		m.sleepingWorkers,
		m.globalQueue,
		m.timerTicks,
		m.timersPending,
		m.socketEvents,
	)

	return m
}

func (m *engineMetrics) DispatchDuration(kind string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(kind))
}

func (m *engineMetrics) MessageDispatched(kind string) {
	m.dispatchedTotal.WithLabelValues(kind).Inc()
}

func (m *engineMetrics) MessageDropped() { m.droppedTotal.Inc() }

func (m *engineMetrics) QueueOverload(length int) {
	m.overloadTotal.Inc()
	m.overloadLength.Set(float64(length))
}

func (m *engineMetrics) EndlessLoop()            { m.endlessTotal.Inc() }
func (m *engineMetrics) SleepingWorkers(n int)   { m.sleepingWorkers.Set(float64(n)) }
func (m *engineMetrics) GlobalQueueLength(n int) { m.globalQueue.Set(float64(n)) }
func (m *engineMetrics) TimerTicks(n int)        { m.timerTicks.Add(float64(n)) }
func (m *engineMetrics) TimersPending(n int)     { m.timersPending.Set(float64(n)) }

func (m *engineMetrics) SocketEvent(typ string) {
	m.socketEvents.WithLabelValues(typ).Inc()
}

var _ engine.Metrics = (*engineMetrics)(nil)
