package actor

import (
	"fmt"

	"github.com/codewandler/svcrt/core/mq"
)

type (
	// Handler is the callback of a service. Init runs once during Register;
	// Handle runs on a worker for every message, never concurrently for one
	// service.
	Handler interface {
		Init(ctx *Context) error
		Handle(ctx *Context, m mq.Message) error
	}

	// Releaser is implemented by handlers that hold resources. Release runs
	// once after the service retired and its last dispatch returned.
	Releaser interface {
		Release(ctx *Context)
	}

	// HandlerFunc is a Handler without initialization.
	HandlerFunc func(ctx *Context, m mq.Message) error

	KindHandlerFunc func(ctx *Context, m mq.Message) error
	InitFunc        func(ctx *Context) error

	// Registration configures a Mux. Create them with On, Default and Init.
	Registration func(mux *Mux)
)

func (f HandlerFunc) Init(*Context) error                     { return nil }
func (f HandlerFunc) Handle(ctx *Context, m mq.Message) error { return f(ctx, m) }

// Mux routes messages to a handler per message kind.
type Mux struct {
	inits    []InitFunc
	kinds    map[mq.Kind]KindHandlerFunc
	fallback KindHandlerFunc
}

// Handlers builds a Mux.
//
//	h := actor.Handlers(
//	    actor.Init(func(ctx *actor.Context) error { return nil }),
//	    actor.On(mq.KindText, handleText),
//	    actor.On(mq.KindSocket, handleSocket),
//	)
func Handlers(regs ...Registration) *Mux {
	m := &Mux{kinds: make(map[mq.Kind]KindHandlerFunc)}
	for _, r := range regs {
		r(m)
	}
	return m
}

// On handles messages of kind k.
func On(k mq.Kind, f KindHandlerFunc) Registration {
	return func(mux *Mux) { mux.kinds[k] = f }
}

// Default handles every kind without its own handler.
func Default(f KindHandlerFunc) Registration {
	return func(mux *Mux) { mux.fallback = f }
}

// Init runs f when the service is registered.
func Init(f InitFunc) Registration {
	return func(mux *Mux) { mux.inits = append(mux.inits, f) }
}

func (mux *Mux) Init(ctx *Context) error {
	for _, f := range mux.inits {
		if err := f(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (mux *Mux) Handle(ctx *Context, m mq.Message) error {
	if f, ok := mux.kinds[m.Kind]; ok {
		return f(ctx, m)
	}
	if mux.fallback != nil {
		return mux.fallback(ctx, m)
	}
	return fmt.Errorf("actor: no handler for %s message from %s", m.Kind, m.Source)
}

var (
	_ Handler = HandlerFunc(nil)
	_ Handler = (*Mux)(nil)
)
