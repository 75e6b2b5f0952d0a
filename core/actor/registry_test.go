package actor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/svcrt/core/engine"
	"github.com/codewandler/svcrt/core/mq"
)

func newTestRegistry(opts Options) *Registry {
	opts.Logger = slog.New(slog.DiscardHandler)
	return NewRegistry(opts)
}

func nop(*Context, mq.Message) error { return nil }

type releaseHandler struct {
	HandlerFunc
	released atomic.Int32
}

func (h *releaseHandler) Release(*Context) { h.released.Add(1) }

func TestRegistry_register(t *testing.T) {
	r := newTestRegistry(Options{})

	h, err := r.Register("svc", HandlerFunc(nop))
	require.NoError(t, err)
	require.NotZero(t, h)

	found, ok := r.FindByName("svc")
	require.True(t, ok)
	assert.Equal(t, h, found)
	assert.Equal(t, 1, r.Total())

	_, err = r.Register("svc", HandlerFunc(nop))
	require.ErrorIs(t, err, ErrNameTaken)

	anon, err := r.Register("", HandlerFunc(nop))
	require.NoError(t, err)
	assert.NotEqual(t, h, anon)
	assert.ElementsMatch(t, []mq.Handle{h, anon}, r.Handles())

	// the queue is linked once init finished
	assert.Equal(t, 2, r.Global().Len())
}

func TestRegistry_initFailureDropsEarlyMessages(t *testing.T) {
	r := newTestRegistry(Options{})
	sender, err := r.Register("sender", HandlerFunc(nop))
	require.NoError(t, err)

	rh := &releaseHandler{}
	failing := Handlers(Init(func(ctx *Context) error {
		require.NoError(t, r.Push(ctx.Handle(), mq.Message{Source: sender, Session: 5}))
		return errors.New("boom")
	}))
	_, err = r.Register("failing", struct {
		*Mux
		Releaser
	}{failing, rh})
	require.ErrorContains(t, err, "boom")

	_, ok := r.FindByName("failing")
	assert.False(t, ok)
	assert.Equal(t, int32(1), rh.released.Load())

	// the early message came back to its sender as an error
	q := r.lookup(sender).queue
	m, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, mq.KindError, m.Kind)
	assert.Equal(t, int32(5), m.Session)
}

func TestRegistry_dispatch(t *testing.T) {
	var panics atomic.Int32
	r := newTestRegistry(Options{OnPanic: func(any, []byte, mq.Message) { panics.Add(1) }})

	var seen []mq.Kind
	h, err := r.Register("", Handlers(
		On(mq.KindText, func(ctx *Context, m mq.Message) error {
			seen = append(seen, m.Kind)
			return nil
		}),
		On(mq.KindClient, func(*Context, mq.Message) error { panic("bad client") }),
	))
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(h, mq.Message{Kind: mq.KindText}))
	require.NoError(t, r.Dispatch(h, mq.Message{Kind: mq.KindClient}))
	require.NoError(t, r.Dispatch(h, mq.Message{Kind: mq.KindSystem}), "handler errors stay inside the registry")
	assert.Equal(t, []mq.Kind{mq.KindText}, seen)
	assert.Equal(t, int32(1), panics.Load())

	st, ok := r.Stat(h)
	require.True(t, ok)
	assert.Equal(t, uint64(3), st.Messages)

	err = r.Dispatch(h+100, mq.Message{})
	require.ErrorIs(t, err, engine.ErrUnknownService)
	require.ErrorIs(t, r.Push(h+100, mq.Message{}), engine.ErrUnknownService)
}

func TestRegistry_retireReleasesAfterDispatch(t *testing.T) {
	r := newTestRegistry(Options{})
	rh := &releaseHandler{}
	rh.HandlerFunc = func(ctx *Context, m mq.Message) error {
		ctx.Exit()
		assert.Equal(t, int32(0), rh.released.Load(), "released while dispatching")
		return nil
	}
	h, err := r.Register("", rh)
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(h, mq.Message{}))
	assert.Equal(t, int32(1), rh.released.Load())
	assert.False(t, r.Retire(h))
	assert.Equal(t, 0, r.Total())
}

func TestRegistry_endlessFlag(t *testing.T) {
	r := newTestRegistry(Options{})
	h, err := r.Register("", HandlerFunc(nop))
	require.NoError(t, err)

	r.Endless(h)
	st, _ := r.Stat(h)
	assert.True(t, st.Endless)
	st, _ = r.Stat(h)
	assert.False(t, st.Endless, "reading the flag clears it")
}

func TestMux_noHandler(t *testing.T) {
	err := Handlers().Handle(nil, mq.Message{Kind: mq.KindHarbor})
	require.ErrorContains(t, err, "no handler for harbor")

	called := false
	err = Handlers(Default(func(*Context, mq.Message) error {
		called = true
		return nil
	})).Handle(nil, mq.Message{Kind: mq.KindHarbor})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestContext_sessionsWrap(t *testing.T) {
	c := &Context{}
	assert.Equal(t, int32(1), c.NewSession())
	assert.Equal(t, int32(2), c.NewSession())
	c.session.Store(math.MaxInt32)
	assert.Equal(t, int32(1), c.NewSession())
}

func TestContext_unbound(t *testing.T) {
	r := newTestRegistry(Options{})
	var ctx *Context
	_, err := r.Register("", Handlers(Init(func(c *Context) error {
		ctx = c
		return nil
	})))
	require.NoError(t, err)

	_, err = ctx.Timeout(1)
	require.ErrorIs(t, err, ErrNotBound)
	_, err = ctx.Socket()
	require.ErrorIs(t, err, ErrNotBound)
}

// startEngine wires a registry into a running engine.
func startEngine(t *testing.T, r *Registry) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Options{
		Workers:  2,
		Global:   r.Global(),
		Services: r,
		Tick:     time.Millisecond,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	r.Bind(e)

	ctx, cancel := context.WithCancel(t.Context())
	stopped := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return e
}

func TestRegistry_withEngine(t *testing.T) {
	r := newTestRegistry(Options{})
	got := make(chan mq.Message, 4)

	pong, err := r.Register("pong", Handlers(On(mq.KindText, func(ctx *Context, m mq.Message) error {
		return ctx.Send(m.Source, mq.KindResponse, m.Session, append([]byte("re:"), m.Data...))
	})))
	require.NoError(t, err)

	var call, timeout atomic.Int32
	_, err = r.Register("ping", Handlers(
		Init(func(ctx *Context) error {
			s, err := ctx.Call(pong, mq.KindText, []byte("hi"))
			call.Store(s)
			return err
		}),
		On(mq.KindResponse, func(ctx *Context, m mq.Message) error {
			if m.Session == call.Load() {
				s, err := ctx.Timeout(5)
				timeout.Store(s)
				got <- m
				return err
			}
			got <- m
			return nil
		}),
	))
	require.NoError(t, err)

	startEngine(t, r)

	recvMsg := func() mq.Message {
		select {
		case m := <-got:
			return m
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
			return mq.Message{}
		}
	}
	m := recvMsg()
	assert.Equal(t, pong, m.Source)
	assert.Equal(t, "re:hi", string(m.Data))

	m = recvMsg()
	assert.Equal(t, mq.Handle(0), m.Source)
	assert.Equal(t, timeout.Load(), m.Session)
}

func TestRegistry_retiredQueueNotifiesSenders(t *testing.T) {
	r := newTestRegistry(Options{})
	errs := make(chan mq.Message, 8)
	block := make(chan struct{})

	sender, err := r.Register("sender", Handlers(On(mq.KindError, func(ctx *Context, m mq.Message) error {
		errs <- m
		return nil
	})))
	require.NoError(t, err)
	victim, err := r.Register("victim", Handlers(On(mq.KindText, func(ctx *Context, m mq.Message) error {
		<-block
		ctx.Exit()
		return nil
	})))
	require.NoError(t, err)

	startEngine(t, r)
	for i := int32(1); i <= 3; i++ {
		require.NoError(t, r.Push(victim, mq.Message{Source: sender, Session: i, Kind: mq.KindText}))
	}
	close(block)

	sessions := map[int32]bool{}
	for len(sessions) < 2 {
		select {
		case m := <-errs:
			assert.Equal(t, victim, m.Source)
			sessions[m.Session] = true
		case <-time.After(5 * time.Second):
			t.Fatal("dropped messages were not reported")
		}
	}
	assert.Equal(t, map[int32]bool{2: true, 3: true}, sessions)
}
