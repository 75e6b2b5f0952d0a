// Package engine runs services on a fixed set of OS threads.
//
// An Engine starts four kinds of threads:
//
//   - N workers pop runnable queues from the global chain and dispatch a
//     batch of messages per turn through [Services.Dispatch]. A worker with
//     nothing to do sleeps on a condition variable.
//   - The timer thread advances the timer wheel once per elapsed tick,
//     wakes workers when some are asleep and drives shutdown.
//   - The socket thread polls the socket server and forwards every event as
//     a [mq.KindSocket] message to the service whose handle is the event's
//     opaque.
//   - The monitor thread reports services that stay inside one dispatch for
//     a whole interval. It only reports; nothing is cancelled.
//
// The engine does not own services. It talks to them through [Services],
// which also receives messages that could not be delivered.
//
// # Usage
//
//	g := mq.NewGlobal()
//	reg := actor.NewRegistry(actor.Options{Global: g})
//	e, err := engine.New(engine.Options{Global: g, Services: reg})
//	if err != nil {
//	    return err
//	}
//	reg.Bind(e)
//	// register services, then
//	err = e.Run(ctx)
//
// Run returns when ctx is done or the last service retired.
package engine
