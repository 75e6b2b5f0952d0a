package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/svcrt/core/monitor"
	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/socket"
	"github.com/codewandler/svcrt/core/timer"
)

// Engine owns the shared runtime state: the global queue, the timer wheel,
// the socket server and the monitor tokens. It is built once, run once and
// released when Run returns.
type Engine struct {
	opts     Options
	id       string
	log      *slog.Logger
	services Services
	metrics  Metrics

	global   *mq.Global
	wheel    *timer.Wheel
	clock    *timer.Clock
	socket   *socket.Server
	monitors *monitor.Set

	mu       sync.Mutex
	cond     *sync.Cond
	sleeping atomic.Int32
	quit     atomic.Bool
	done     chan struct{}

	hup     atomic.Bool
	running atomic.Bool
}

func New(opts Options) (*Engine, error) {
	if opts.Services == nil {
		return nil, ErrNoServices
	}
	opts.defaults()

	e := &Engine{
		opts:     opts,
		id:       gonanoid.Must(8),
		services: opts.Services,
		metrics:  opts.Metrics,
		global:   opts.Global,
		monitors: monitor.NewSet(opts.Workers),
		done:     make(chan struct{}),
	}
	e.log = opts.Logger.With(slog.String("component", "engine"), slog.String("engine", e.id))
	e.cond = sync.NewCond(&e.mu)

	e.wheel = timer.New(timer.PusherFunc(e.services.Push), timer.Options{Logger: e.log})
	e.clock = timer.NewClock(e.wheel, timer.ClockOptions{
		Resolution: opts.Tick,
		Source:     opts.ClockSource,
		Logger:     e.log,
	})

	ss, err := socket.New(socket.Options{Capacity: opts.SocketCapacity, Logger: e.log})
	if err != nil {
		return nil, fmt.Errorf("engine: socket server: %w", err)
	}
	ss.UpdateTime(e.clock.Now())
	e.socket = ss
	return e, nil
}

func (e *Engine) ID() string             { return e.id }
func (e *Engine) Global() *mq.Global     { return e.global }
func (e *Engine) Socket() *socket.Server { return e.socket }
func (e *Engine) Workers() int           { return e.opts.Workers }

// Now returns the ticks elapsed since start.
func (e *Engine) Now() uint64 { return e.clock.Now() }

// StartTime returns the unix time in seconds at which the engine was built.
func (e *Engine) StartTime() uint32 { return e.clock.StartTime() }

// Done is closed once the timer thread has stopped and shutdown began.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) TimersPending() int { return e.wheel.Pending() }

// Timeout schedules a response carrying session for h after delay ticks.
func (e *Engine) Timeout(h mq.Handle, delay int, session int32) (int32, error) {
	return e.wheel.Add(h, session, delay)
}

// Hup asks the timer thread to tell the logger service to reopen its output.
func (e *Engine) Hup() { e.hup.Store(true) }

// Run starts the monitor, timer, socket and worker threads and blocks until
// ctx is done or no service is left. The socket server is released before
// Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.socket.Release()

	e.log.Info("engine starting", slog.Int("workers", e.opts.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runMonitor() })
	g.Go(func() error { return e.runTimer(gctx) })
	g.Go(func() error { return e.runSocket() })
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			e.runWorker(i)
			return nil
		})
	}

	err := g.Wait()
	e.log.Info("engine stopped", slog.Any("error", err))
	return err
}

func (e *Engine) runMonitor() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t := time.NewTicker(e.opts.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-e.done:
			return nil
		case <-t.C:
		}
		e.monitors.CheckAll(func(worker int, src, dst mq.Handle, version uint32) {
			e.log.Error("message may be in an endless loop",
				slog.Int("worker", worker),
				slog.String("source", src.String()),
				slog.String("destination", dst.String()),
				slog.Uint64("version", uint64(version)),
			)
			e.metrics.EndlessLoop()
			e.services.Endless(dst)
		})
	}
}

func (e *Engine) runTimer(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer e.shutdown()

	for {
		if n := e.clock.Update(); n > 0 {
			e.metrics.TimerTicks(n)
		}
		e.socket.UpdateTime(e.clock.Now())
		e.metrics.TimersPending(e.wheel.Pending())
		e.metrics.GlobalQueueLength(e.global.Len())

		if ctx.Err() != nil || e.services.Total() == 0 {
			return nil
		}
		e.wakeup(e.opts.Workers - 1)
		time.Sleep(e.opts.TimerInterval)
		if e.hup.Swap(false) {
			e.signalHup()
		}
	}
}

// shutdown stops the socket thread and wakes every worker for exit.
func (e *Engine) shutdown() {
	if err := e.socket.Exit(); err != nil {
		e.log.Error("socket exit", slog.Any("error", err))
	}
	e.mu.Lock()
	e.quit.Store(true)
	e.cond.Broadcast()
	e.mu.Unlock()
	close(e.done)
}

func (e *Engine) signalHup() {
	h, ok := e.services.FindByName(e.opts.LoggerName)
	if !ok {
		return
	}
	if err := e.services.Push(h, mq.Message{Kind: mq.KindSystem}); err != nil {
		e.log.Warn("hup not delivered", slog.String("service", e.opts.LoggerName), slog.Any("error", err))
	}
}

func (e *Engine) runSocket() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		ev, err := e.socket.Poll()
		if err != nil {
			return fmt.Errorf("engine: socket poll: %w", err)
		}
		if ev.Type == socket.EventExit {
			return nil
		}
		e.forward(ev)
		e.wakeup(0)
	}
}

// forward turns a socket event into a message for the service whose handle
// is the event's opaque.
func (e *Engine) forward(ev socket.Event) {
	e.metrics.SocketEvent(ev.Type.String())
	h := mq.Handle(ev.Opaque)
	m := mq.Message{Kind: mq.KindSocket, Data: ev.Data, Value: &ev}
	if err := e.services.Push(h, m); err != nil {
		e.log.Debug("socket event discarded",
			slog.String("event", ev.Type.String()),
			slog.Int("id", int(ev.ID)),
			slog.String("handle", h.String()),
			slog.Any("error", err),
		)
	}
}
