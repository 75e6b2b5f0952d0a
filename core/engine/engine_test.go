package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/socket"
)

// testServices is a minimal handle table: one queue and one callback per
// handle.
type testServices struct {
	global *mq.Global

	mu       sync.Mutex
	queues   map[mq.Handle]*mq.Queue
	handlers map[mq.Handle]func(mq.Message)
	names    map[string]mq.Handle

	dropped atomic.Int32
	endless chan mq.Handle
}

func newTestServices(g *mq.Global) *testServices {
	return &testServices{
		global:   g,
		queues:   make(map[mq.Handle]*mq.Queue),
		handlers: make(map[mq.Handle]func(mq.Message)),
		names:    make(map[string]mq.Handle),
		endless:  make(chan mq.Handle, 16),
	}
}

func (s *testServices) add(h mq.Handle, name string, f func(mq.Message)) *mq.Queue {
	q := s.global.NewQueue(h)
	s.mu.Lock()
	s.queues[h] = q
	s.handlers[h] = f
	if name != "" {
		s.names[name] = h
	}
	s.mu.Unlock()
	s.global.Push(q)
	return q
}

func (s *testServices) retire(h mq.Handle) {
	s.mu.Lock()
	q := s.queues[h]
	delete(s.queues, h)
	delete(s.handlers, h)
	s.mu.Unlock()
	q.MarkRelease()
}

func (s *testServices) Push(h mq.Handle, m mq.Message) error {
	s.mu.Lock()
	q := s.queues[h]
	s.mu.Unlock()
	if q == nil {
		return ErrUnknownService
	}
	q.Push(m)
	return nil
}

func (s *testServices) Dispatch(h mq.Handle, m mq.Message) error {
	s.mu.Lock()
	f := s.handlers[h]
	s.mu.Unlock()
	if f == nil {
		return ErrUnknownService
	}
	f(m)
	return nil
}

func (s *testServices) Drop(mq.Handle, mq.Message) { s.dropped.Add(1) }

func (s *testServices) FindByName(name string) (mq.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.names[name]
	return h, ok
}

func (s *testServices) Endless(h mq.Handle) {
	select {
	case s.endless <- h:
	default:
	}
}

func (s *testServices) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *testServices) {
	t.Helper()
	g := mq.NewGlobal()
	svc := newTestServices(g)
	opts.Global = g
	opts.Services = svc
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	opts.SocketCapacity = 64
	opts.Logger = slog.New(slog.DiscardHandler)
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !e.running.Load() {
			e.socket.Release()
		}
	})
	return e, svc
}

// run starts e and stops it when the test ends.
func run(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return errc
}

func recv(t *testing.T, ch <-chan mq.Message) mq.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return mq.Message{}
	}
}

func TestNew_requiresServices(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoServices)
}

func TestEngine_timeoutDelivered(t *testing.T) {
	e, svc := newTestEngine(t, Options{Tick: time.Millisecond})
	got := make(chan mq.Message, 1)
	svc.add(1, "", func(m mq.Message) { got <- m })
	run(t, e)

	_, err := e.Timeout(1, 20, 42)
	require.NoError(t, err)
	m := recv(t, got)
	assert.Equal(t, mq.KindResponse, m.Kind)
	assert.Equal(t, int32(42), m.Session)
	assert.Equal(t, mq.Handle(0), m.Source)
	assert.Nil(t, m.Data)
}

func TestEngine_perServiceOrder(t *testing.T) {
	e, svc := newTestEngine(t, Options{Workers: 8})
	const n = 5000
	got := make(chan int, n)
	svc.add(1, "", func(m mq.Message) { got <- int(m.Session) })
	svc.add(2, "", func(mq.Message) {})
	run(t, e)

	for i := 0; i < n; i++ {
		require.NoError(t, svc.Push(1, mq.Message{Session: int32(i)}))
		require.NoError(t, svc.Push(2, mq.Message{Session: int32(i)}))
	}
	for i := 0; i < n; i++ {
		select {
		case s := <-got:
			require.Equal(t, i, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not dispatched", i)
		}
	}
}

func TestEngine_stopsWhenContextDone(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	svc.add(1, "", func(mq.Message) {})

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed")
	}
	require.ErrorIs(t, e.Run(t.Context()), ErrAlreadyRunning)
}

func TestEngine_stopsWhenLastServiceRetires(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	svc.add(1, "", func(mq.Message) {})
	errc := run(t, e)

	svc.retire(1)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_reportsEndlessDispatch(t *testing.T) {
	e, svc := newTestEngine(t, Options{MonitorInterval: 20 * time.Millisecond})
	release := make(chan struct{})
	svc.add(7, "", func(mq.Message) { <-release })
	run(t, e)
	defer close(release)

	require.NoError(t, svc.Push(7, mq.Message{Source: 3}))
	select {
	case h := <-svc.endless:
		assert.Equal(t, mq.Handle(7), h)
	case <-time.After(5 * time.Second):
		t.Fatal("stuck dispatch not reported")
	}
}

func TestEngine_hupReachesLogger(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	got := make(chan mq.Message, 1)
	svc.add(1, DefaultLoggerName, func(m mq.Message) { got <- m })
	run(t, e)

	e.Hup()
	assert.Equal(t, mq.KindSystem, recv(t, got).Kind)
}

func TestEngine_forwardsSocketEvents(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	got := make(chan mq.Message, 8)
	svc.add(5, "", func(m mq.Message) { got <- m })
	run(t, e)

	id, err := e.Socket().Listen(5, "127.0.0.1", 0, 8)
	require.NoError(t, err)
	require.NoError(t, e.Socket().Start(5, id))

	m := recv(t, got)
	require.Equal(t, mq.KindSocket, m.Kind)
	ev, ok := m.Value.(*socket.Event)
	require.True(t, ok)
	assert.Equal(t, socket.EventOpen, ev.Type)
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, uint64(5), ev.Opaque)
}

func TestDispatch_batchAndRotation(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	var order []mq.Handle
	qa := svc.add(1, "", func(mq.Message) { order = append(order, 1) })
	qb := svc.add(2, "", func(mq.Message) { order = append(order, 2) })
	tok := e.monitors.Token(0)
	// unlink the empty queues
	for q := e.dispatch(tok, nil, 0); q != nil; q = e.dispatch(tok, q, 0) {
	}
	require.Equal(t, 0, e.Global().Len())

	for i := 0; i < 8; i++ {
		qa.Push(mq.Message{})
	}
	qb.Push(mq.Message{})

	// one message, then rotate to the waiting queue
	q := e.dispatch(tok, nil, -1)
	require.Same(t, qb, q)
	require.Equal(t, []mq.Handle{1}, order)

	// qb goes back to the chain, still flagged, and qa is next
	q = e.dispatch(tok, q, -1)
	require.Same(t, qa, q)
	require.Equal(t, []mq.Handle{1, 2}, order)

	// weight 1: the first pop leaves 6, so 3 messages this turn
	q = e.dispatch(tok, q, 1)
	require.Same(t, qb, q)
	require.Equal(t, []mq.Handle{1, 2, 1, 1, 1}, order)
	require.Equal(t, 4, qa.Len())
}

func TestDispatch_goneServiceDrainsQueue(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	q := svc.add(9, "", func(mq.Message) { t.Fatal("dispatched to a retired service") })
	for i := 0; i < 5; i++ {
		q.Push(mq.Message{Source: 1, Session: int32(i)})
	}
	svc.retire(9)

	require.Nil(t, e.dispatch(e.monitors.Token(0), nil, 0))
	assert.Equal(t, int32(5), svc.dropped.Load())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, e.Global().Len())
}

func TestWakeup_onlyWhenTooFewBusy(t *testing.T) {
	e, svc := newTestEngine(t, Options{Workers: 4})
	// nobody sleeps: signalling is skipped and must not block
	e.wakeup(0)
	assert.Equal(t, int32(0), e.sleeping.Load())

	// three workers park on the empty chain; the fourth counts as busy
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runWorker(i)
		}()
	}
	t.Cleanup(func() {
		e.mu.Lock()
		e.quit.Store(true)
		e.cond.Broadcast()
		e.mu.Unlock()
		wg.Wait()
	})
	require.Eventually(t, func() bool { return e.sleeping.Load() == 3 }, 5*time.Second, time.Millisecond)

	got := make(chan mq.Message, 1)
	svc.add(1, "", func(m mq.Message) { got <- m })
	require.NoError(t, svc.Push(1, mq.Message{Session: 7}))

	// 3 sleeping < 4 workers - 0 busy: nobody is woken
	e.wakeup(0)
	require.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, time.Millisecond)
	assert.Equal(t, int32(3), e.sleeping.Load())

	// 3 sleeping >= 4 workers - 1 busy: one worker resumes
	e.wakeup(1)
	m := recv(t, got)
	assert.Equal(t, int32(7), m.Session)
	require.Eventually(t, func() bool { return e.sleeping.Load() == 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Global().Len())
}

func TestEngine_timersPending(t *testing.T) {
	e, svc := newTestEngine(t, Options{})
	svc.add(1, "", func(mq.Message) {})
	assert.Equal(t, 0, e.TimersPending())

	_, err := e.Timeout(1, 1000, 1)
	require.NoError(t, err)
	_, err = e.Timeout(1, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, e.TimersPending())
}
