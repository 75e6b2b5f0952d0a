package actor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/codewandler/svcrt/core/engine"
	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/socket"
	"github.com/codewandler/svcrt/core/spinlock"
)

var (
	ErrNameTaken = errors.New("actor: name already registered")
	ErrNotBound  = errors.New("actor: registry not bound to a runtime")
	ErrNoHandle  = errors.New("actor: no free handle")
)

type (
	OnPanic func(recovered any, stack []byte, m mq.Message)

	// Runtime is the part of the engine a service can reach from its
	// Context.
	Runtime interface {
		Timeout(h mq.Handle, delay int, session int32) (int32, error)
		Socket() *socket.Server
		Now() uint64
	}
)

type Options struct {
	// Global must be the chain the engine schedules from.
	Global  *mq.Global
	Logger  *slog.Logger
	OnPanic OnPanic
	Metrics Metrics
}

type service struct {
	handle  mq.Handle
	name    string
	queue   *mq.Queue
	handler Handler
	ctx     *Context

	// the table holds one reference; each dispatch holds another
	ref      atomic.Int32
	endless  atomic.Bool
	messages atomic.Uint64
}

// Registry is the handle table. It implements engine.Services.
type Registry struct {
	global  *mq.Global
	log     *slog.Logger
	onPanic OnPanic
	metrics Metrics
	rt      atomic.Pointer[runtimeRef]

	lock     spinlock.RWLock
	services map[mq.Handle]*service
	names    map[string]mq.Handle
	next     uint32
}

type runtimeRef struct{ Runtime }

func NewRegistry(opts Options) *Registry {
	if opts.Global == nil {
		opts.Global = mq.NewGlobal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	r := &Registry{
		global:   opts.Global,
		log:      opts.Logger.With(slog.String("component", "registry")),
		onPanic:  opts.OnPanic,
		metrics:  opts.Metrics,
		services: make(map[mq.Handle]*service),
		names:    make(map[string]mq.Handle),
	}
	if r.onPanic == nil {
		r.onPanic = func(recovered any, stack []byte, m mq.Message) {
			r.log.Error("service panicked",
				slog.Any("recovered", recovered),
				slog.String("stack", string(stack)),
				slog.String("kind", m.Kind.String()),
				slog.String("source", m.Source.String()),
			)
		}
	}
	return r
}

// Bind attaches the runtime services reach through their Context.
func (r *Registry) Bind(rt Runtime) { r.rt.Store(&runtimeRef{rt}) }

func (r *Registry) runtime() (Runtime, error) {
	ref := r.rt.Load()
	if ref == nil {
		return nil, ErrNotBound
	}
	return ref.Runtime, nil
}

func (r *Registry) Global() *mq.Global { return r.global }

// Register creates a service, runs its Init and makes it schedulable. An
// empty name registers an anonymous service. Messages sent to the new
// handle during Init are kept and dispatched once Init succeeded.
func (r *Registry) Register(name string, h Handler) (mq.Handle, error) {
	r.lock.Lock()
	if name != "" {
		if _, ok := r.names[name]; ok {
			r.lock.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
	}
	handle, ok := r.allocLocked()
	if !ok {
		r.lock.Unlock()
		return 0, ErrNoHandle
	}
	s := &service{
		handle:  handle,
		name:    name,
		queue:   r.global.NewQueue(handle),
		handler: h,
	}
	s.ref.Store(1)
	log := r.log.With(slog.String("service", handle.String()))
	if name != "" {
		log = log.With(slog.String("name", name))
	}
	s.ctx = &Context{r: r, s: s, log: log}
	r.services[handle] = s
	if name != "" {
		r.names[name] = handle
	}
	n := len(r.services)
	r.lock.Unlock()
	r.metrics.ServicesLive(n)

	if err := r.init(s); err != nil {
		// nothing schedules the queue yet, so drain it here
		r.retire(handle, true)
		return 0, fmt.Errorf("actor: init %s: %w", serviceName(s), err)
	}
	r.global.Push(s.queue)
	s.ctx.log.Debug("service registered")
	return handle, nil
}

func (r *Registry) init(s *service) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerPanic(serviceName(s))
			r.onPanic(rec, debug.Stack(), mq.Message{})
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.handler.Init(s.ctx)
}

// allocLocked returns the next unused non-zero handle.
func (r *Registry) allocLocked() (mq.Handle, bool) {
	for i := 0; i < 1<<20; i++ {
		r.next++
		if r.next == 0 {
			continue
		}
		h := mq.Handle(r.next)
		if _, used := r.services[h]; !used {
			return h, true
		}
	}
	return 0, false
}

// Retire removes h from the table and marks its queue for release. Queued
// messages are handed back through Drop by a worker. It reports whether h
// was live.
func (r *Registry) Retire(h mq.Handle) bool { return r.retire(h, false) }

func (r *Registry) retire(h mq.Handle, drain bool) bool {
	r.lock.Lock()
	s, ok := r.services[h]
	if ok {
		delete(r.services, h)
		if s.name != "" {
			delete(r.names, s.name)
		}
	}
	n := len(r.services)
	r.lock.Unlock()
	if !ok {
		return false
	}
	r.metrics.ServicesLive(n)

	s.queue.MarkRelease()
	if drain {
		r.global.Release(s.queue, func(m mq.Message) { r.Drop(h, m) })
	}
	r.release(s)
	s.ctx.log.Debug("service retired")
	return true
}

func (r *Registry) grab(h mq.Handle) *service {
	r.lock.RLock()
	s := r.services[h]
	if s != nil {
		s.ref.Add(1)
	}
	r.lock.RUnlock()
	return s
}

func (r *Registry) release(s *service) {
	if s.ref.Add(-1) != 0 {
		return
	}
	if rel, ok := s.handler.(Releaser); ok {
		rel.Release(s.ctx)
	}
}

func (r *Registry) lookup(h mq.Handle) *service {
	r.lock.RLock()
	s := r.services[h]
	r.lock.RUnlock()
	return s
}

// Push implements engine.Services.
func (r *Registry) Push(h mq.Handle, m mq.Message) error {
	s := r.lookup(h)
	if s == nil {
		return fmt.Errorf("%w: %s", engine.ErrUnknownService, h)
	}
	s.queue.Push(m)
	return nil
}

// Dispatch implements engine.Services. Handler errors and panics are
// reported and do not affect the service.
func (r *Registry) Dispatch(h mq.Handle, m mq.Message) error {
	s := r.grab(h)
	if s == nil {
		return fmt.Errorf("%w: %s", engine.ErrUnknownService, h)
	}
	defer r.release(s)

	s.messages.Add(1)
	if err := r.handle(s, m); err != nil {
		r.metrics.HandlerError(serviceName(s))
		s.ctx.log.Debug("handler failed",
			slog.String("kind", m.Kind.String()),
			slog.String("source", m.Source.String()),
			slog.Any("error", err),
		)
	}
	return nil
}

func (r *Registry) handle(s *service, m mq.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerPanic(serviceName(s))
			r.onPanic(rec, debug.Stack(), m)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.handler.Handle(s.ctx, m)
}

// Drop implements engine.Services. The sender of a dropped message gets an
// error message with the same session.
func (r *Registry) Drop(h mq.Handle, m mq.Message) {
	r.metrics.Undeliverable()
	if m.Source == 0 {
		return
	}
	err := r.Push(m.Source, mq.Message{Source: h, Session: m.Session, Kind: mq.KindError})
	if err != nil {
		r.log.Debug("drop notification lost", slog.String("source", m.Source.String()), slog.Any("error", err))
	}
}

func (r *Registry) FindByName(name string) (mq.Handle, bool) {
	r.lock.RLock()
	h, ok := r.names[name]
	r.lock.RUnlock()
	return h, ok
}

// Endless implements engine.Services by flagging the service. The flag is
// reported and cleared by Stat.
func (r *Registry) Endless(h mq.Handle) {
	if s := r.lookup(h); s != nil {
		s.endless.Store(true)
	}
}

func (r *Registry) Total() int {
	r.lock.RLock()
	n := len(r.services)
	r.lock.RUnlock()
	return n
}

// Stat describes one live service.
type Stat struct {
	Handle   mq.Handle
	Name     string
	Queued   int
	Messages uint64
	Endless  bool
}

// Stat returns the statistics of h and clears its endless flag.
func (r *Registry) Stat(h mq.Handle) (Stat, bool) {
	s := r.lookup(h)
	if s == nil {
		return Stat{}, false
	}
	return Stat{
		Handle:   h,
		Name:     s.name,
		Queued:   s.queue.Len(),
		Messages: s.messages.Load(),
		Endless:  s.endless.Swap(false),
	}, true
}

// Handles returns the live handles in no particular order.
func (r *Registry) Handles() []mq.Handle {
	r.lock.RLock()
	out := make([]mq.Handle, 0, len(r.services))
	for h := range r.services {
		out = append(out, h)
	}
	r.lock.RUnlock()
	return out
}

func serviceName(s *service) string {
	if s.name != "" {
		return s.name
	}
	return s.handle.String()
}

var _ engine.Services = (*Registry)(nil)
