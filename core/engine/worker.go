package engine

import (
	"errors"
	"log/slog"
	"runtime"

	"github.com/codewandler/svcrt/core/monitor"
	"github.com/codewandler/svcrt/core/mq"
)

func (e *Engine) runWorker(worker int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	weight := e.opts.weight(worker)
	tok := e.monitors.Token(worker)
	var q *mq.Queue
	for !e.quit.Load() {
		q = e.dispatch(tok, q, weight)
		if q != nil {
			continue
		}
		e.mu.Lock()
		n := e.sleeping.Add(1)
		e.metrics.SleepingWorkers(int(n))
		// spurious wakeups just run the loop again
		if !e.quit.Load() {
			e.cond.Wait()
		}
		e.sleeping.Add(-1)
		e.mu.Unlock()
	}
}

// wakeup signals one sleeping worker unless at least busy workers are
// already running.
func (e *Engine) wakeup(busy int) {
	if int(e.sleeping.Load()) >= e.opts.Workers-busy {
		e.cond.Signal()
	}
}

// dispatch runs one batch from q, or from the head of the global chain when
// q is nil, and returns the queue the worker should continue with.
//
// The batch is one message for a negative weight, otherwise the queue
// length after the first pop shifted right by weight. When another queue
// is waiting the current one goes back to the tail of the chain.
func (e *Engine) dispatch(tok *monitor.Token, q *mq.Queue, weight int) *mq.Queue {
	if q == nil {
		if q = e.global.Pop(); q == nil {
			return nil
		}
	}

	h := q.Handle()
	if q.Released() {
		e.release(q)
		return e.global.Pop()
	}

	n := 1
	for i := 0; i < n; i++ {
		m, ok := q.Pop()
		if !ok {
			return e.global.Pop()
		}
		if i == 0 && weight >= 0 {
			n = q.Len() >> weight
		}
		if overload := q.Overload(); overload > 0 {
			e.log.Warn("message queue overload",
				slog.String("handle", h.String()),
				slog.Int("length", overload),
			)
			e.metrics.QueueOverload(overload)
		}

		kind := m.Kind.String()
		tm := e.metrics.DispatchDuration(kind)
		tok.Trigger(m.Source, h)
		err := e.services.Dispatch(h, m)
		tok.Trigger(0, 0)
		tm.ObserveDuration()

		if err != nil {
			if errors.Is(err, ErrUnknownService) {
				e.drop(h, m)
				e.release(q)
				return e.global.Pop()
			}
			e.log.Warn("dispatch failed", slog.String("handle", h.String()), slog.Any("error", err))
		}
		e.metrics.MessageDispatched(kind)
	}

	if nq := e.global.Pop(); nq != nil {
		e.global.Push(q)
		q = nq
	}
	return q
}

// release drains a queue whose service is gone. A queue not yet marked for
// release is linked back by the global chain.
func (e *Engine) release(q *mq.Queue) {
	h := q.Handle()
	e.global.Release(q, func(m mq.Message) { e.drop(h, m) })
}

func (e *Engine) drop(h mq.Handle, m mq.Message) {
	e.metrics.MessageDropped()
	e.services.Drop(h, m)
}
