package engine

import (
	"errors"

	"github.com/codewandler/svcrt/core/mq"
)

var (
	// ErrUnknownService is returned by Services when a handle names no live
	// service.
	ErrUnknownService = errors.New("engine: unknown service")
	ErrNoServices     = errors.New("engine: no services")
	ErrAlreadyRunning = errors.New("engine: already running")
)

// Services is the handle table the engine schedules for. The engine never
// creates or destroys services; it only moves messages to them.
type Services interface {
	// Push enqueues m on the queue of h. It fails with ErrUnknownService
	// when h is gone.
	Push(h mq.Handle, m mq.Message) error
	// Dispatch runs the callback of h for one message on the calling
	// worker. It returns ErrUnknownService when h is gone, in which case the
	// message was not consumed.
	Dispatch(h mq.Handle, m mq.Message) error
	// Drop consumes a message that can no longer be delivered to h and
	// notifies its sender.
	Drop(h mq.Handle, m mq.Message)
	FindByName(name string) (mq.Handle, bool)
	// Endless is told about a service that has been inside one dispatch for
	// a whole monitor interval.
	Endless(h mq.Handle)
	// Total returns the number of live services. The engine stops when it
	// drops to zero.
	Total() int
}
