package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)
	require.NotNil(t, m)

	timer := m.DispatchDuration("text")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.MessageDispatched("text")
	m.MessageDispatched("text")
	m.MessageDispatched("socket")
	m.MessageDropped()
	m.QueueOverload(2048)
	m.EndlessLoop()
	m.SleepingWorkers(3)
	m.GlobalQueueLength(7)
	m.TimerTicks(4)
	m.TimersPending(1)
	m.SocketEvent("data")

	names := gatherNames(t, reg)
	assert.True(t, names["svcrt_dispatch_duration_seconds"])
	assert.True(t, names["svcrt_messages_dispatched_total"])
	assert.True(t, names["svcrt_workers_sleeping"])
	assert.True(t, names["svcrt_socket_events_total"])

	em := m.(*engineMetrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(em.dispatchedTotal.WithLabelValues("text")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(em.overloadLength))
	assert.Equal(t, 4.0, testutil.ToFloat64(em.timerTicks))
	assert.Equal(t, 7.0, testutil.ToFloat64(em.globalQueue))
}

func TestNewActorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewActorMetrics(reg)
	require.NotNil(t, m)

	m.ServicesLive(5)
	m.HandlerPanic("echo")
	m.HandlerError("echo")
	m.HandlerError("echo")
	m.Undeliverable()

	names := gatherNames(t, reg)
	assert.True(t, names["svcrt_services_live"])
	assert.True(t, names["svcrt_handler_errors_total"])
	assert.True(t, names["svcrt_undeliverable_total"])

	am := m.(*actorMetrics)
	assert.Equal(t, 5.0, testutil.ToFloat64(am.servicesLive))
	assert.Equal(t, 2.0, testutil.ToFloat64(am.errorTotal.WithLabelValues("echo")))
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m.Engine)
	require.NotNil(t, m.Actor)

	m.Engine.EndlessLoop()
	m.Actor.Undeliverable()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestNewMetrics_registersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
