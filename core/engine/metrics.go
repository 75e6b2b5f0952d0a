package engine

import "github.com/codewandler/svcrt/core/metrics"

// Metrics is what the engine reports. All methods are called concurrently.
type Metrics interface {
	DispatchDuration(kind string) metrics.Timer
	MessageDispatched(kind string)
	MessageDropped()
	QueueOverload(length int)
	EndlessLoop()
	SleepingWorkers(n int)
	GlobalQueueLength(n int)
	TimerTicks(n int)
	TimersPending(n int)
	SocketEvent(typ string)
}

type nopMetrics struct{}

func (nopMetrics) DispatchDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) MessageDispatched(string)             {}
func (nopMetrics) MessageDropped()                      {}
func (nopMetrics) QueueOverload(int)                    {}
func (nopMetrics) EndlessLoop()                         {}
func (nopMetrics) SleepingWorkers(int)                  {}
func (nopMetrics) GlobalQueueLength(int)                {}
func (nopMetrics) TimerTicks(int)                       {}
func (nopMetrics) TimersPending(int)                    {}
func (nopMetrics) SocketEvent(string)                   {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
