// Package actor is the handle table services live in.
//
// A service is a [Handler] registered under a handle and an optional name.
// The [Registry] gives every service a message queue on the engine's global
// chain and implements [engine.Services], so workers dispatch queued
// messages to the handler one at a time:
//
//	reg := actor.NewRegistry(actor.Options{Global: g})
//	h, err := reg.Register("echo", actor.Handlers(
//	    actor.On(mq.KindText, func(ctx *actor.Context, m mq.Message) error {
//	        return ctx.Send(m.Source, mq.KindResponse, m.Session, m.Data)
//	    }),
//	))
//
// Handlers reach the runtime through their [Context]: sending, sessions,
// timeouts and the socket server. Socket events arrive as [mq.KindSocket]
// messages whose Value is a *socket.Event.
//
// # Retiring
//
// [Registry.Retire] (or [Context.Exit]) removes a service from the table.
// Messages still queued are dropped by a worker, and the sender of each one
// receives a [mq.KindError] message with the original session. A handler
// implementing [Releaser] is released after its last dispatch returned.
//
// Handler panics are recovered and reported through Options.OnPanic; the
// service keeps running.
package actor
