package engine

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/socket"
	"github.com/codewandler/svcrt/core/timer"
)

const (
	DefaultMonitorInterval = 5 * time.Second
	DefaultTimerInterval   = 2500 * time.Microsecond
	DefaultLoggerName      = "logger"
)

// DefaultWeights is the batch weight of each worker by index. A negative
// weight dispatches one message per turn; weight w dispatches len>>w.
var DefaultWeights = []int{
	-1, -1, -1, -1, 0, 0, 0, 0,
	1, 1, 1, 1, 1, 1, 1, 1,
	2, 2, 2, 2, 2, 2, 2, 2,
	3, 3, 3, 3, 3, 3, 3, 3,
}

type Options struct {
	// Workers is the number of worker threads. Defaults to the number of
	// CPUs.
	Workers int
	// Weights overrides DefaultWeights. Workers past its end use weight 0.
	Weights []int

	MonitorInterval time.Duration
	TimerInterval   time.Duration
	// Tick is the timer resolution.
	Tick time.Duration
	// ClockSource replaces the monotonic tick source, for tests.
	ClockSource func() uint64

	SocketCapacity int

	// LoggerName is the service told to reopen its output on Hup.
	LoggerName string

	// Global is the chain of runnable service queues. The Services
	// implementation must create its queues on the same Global.
	Global   *mq.Global
	Services Services

	Logger  *slog.Logger
	Metrics Metrics
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Weights == nil {
		o.Weights = DefaultWeights
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.TimerInterval <= 0 {
		o.TimerInterval = DefaultTimerInterval
	}
	if o.Tick <= 0 {
		o.Tick = timer.DefaultResolution
	}
	if o.SocketCapacity <= 0 {
		o.SocketCapacity = socket.DefaultCapacity
	}
	if o.LoggerName == "" {
		o.LoggerName = DefaultLoggerName
	}
	if o.Global == nil {
		o.Global = mq.NewGlobal()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}
}

func (o *Options) weight(worker int) int {
	if worker < len(o.Weights) {
		return o.Weights[worker]
	}
	return 0
}
