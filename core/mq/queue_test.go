package mq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(session int32) Message {
	return Message{Source: 1, Session: session, Kind: KindText}
}

func TestQueue_fifo(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(7)

	for i := 0; i < 1000; i++ {
		q.Push(msg(int32(i)))
	}
	require.Equal(t, 1000, q.Len())

	for i := 0; i < 1000; i++ {
		m, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, int32(i), m.Session)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueue_growPreservesOrderAcrossWrap(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(1)

	// move head into the middle of the ring before growing
	for i := 0; i < 40; i++ {
		q.Push(msg(-1))
	}
	for i := 0; i < 40; i++ {
		_, ok := q.Pop()
		require.True(t, ok)
	}
	for i := 0; i < DefaultQueueSize*3; i++ {
		q.Push(msg(int32(i)))
	}
	for i := 0; i < DefaultQueueSize*3; i++ {
		m, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, int32(i), m.Session)
	}
}

func TestQueue_newQueueIsNotScheduled(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(1)

	q.Push(msg(1))
	require.Nil(t, g.Pop(), "a queue under construction must not be scheduled")

	g.Push(q)
	require.Same(t, q, g.Pop())
}

func TestQueue_linkOnceUnlinkOnEmpty(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(1)
	// drain once so the queue becomes idle
	_, ok := q.Pop()
	require.False(t, ok)

	q.Push(msg(1))
	q.Push(msg(2))
	q.Push(msg(3))
	require.Equal(t, 1, g.Len(), "queue must be linked exactly once")

	require.Same(t, q, g.Pop())
	require.Nil(t, g.Pop())

	for i := 0; i < 3; i++ {
		_, ok := q.Pop()
		require.True(t, ok)
	}
	_, ok = q.Pop()
	require.False(t, ok)
	require.False(t, q.inGlobal)
	require.Equal(t, 0, g.Len())

	q.Push(msg(4))
	require.True(t, q.inGlobal)
	require.Equal(t, 1, g.Len())
}

func TestGlobal_doubleLinkPanics(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(1)
	g.Push(q)
	require.PanicsWithValue(t, ErrDoubleLink, func() { g.Push(q) })
}

func TestGlobal_fifoAndEmpty(t *testing.T) {
	g := NewGlobal()
	require.Nil(t, g.Pop())

	a, b, c := g.NewQueue(1), g.NewQueue(2), g.NewQueue(3)
	g.Push(a)
	g.Push(b)
	g.Push(c)
	require.Same(t, a, g.Pop())
	require.Same(t, b, g.Pop())
	g.Push(a)
	require.Same(t, c, g.Pop())
	require.Same(t, a, g.Pop())
	require.Nil(t, g.Pop())
}

func TestQueue_overloadWatermark(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(1)

	for i := 0; i < 3000; i++ {
		q.Push(msg(int32(i)))
	}
	_, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 2999, q.Overload())
	require.Equal(t, 4096, q.overloadThreshold)
	require.Equal(t, 0, q.Overload(), "overload is reported once per crossing")

	for {
		if _, ok := q.Pop(); !ok {
			break
		}
	}
	require.Equal(t, OverloadThreshold, q.overloadThreshold)
}

func TestQueue_releaseDropsEveryMessageOnce(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(9)
	for i := 0; i < 5; i++ {
		q.Push(msg(int32(i)))
	}
	g.Push(q) // service finished init

	q.MarkRelease()
	require.Equal(t, 1, g.Len(), "an already linked queue is not linked again")
	require.Same(t, q, g.Pop())

	var dropped []int32
	require.True(t, g.Release(q, func(m Message) { dropped = append(dropped, m.Session) }))
	require.Equal(t, []int32{0, 1, 2, 3, 4}, dropped)
	require.Equal(t, 0, q.Len())
}

func TestQueue_markReleaseLinksIdleQueue(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(9)
	_, _ = q.Pop() // idle

	q.MarkRelease()
	require.Same(t, q, g.Pop())
	require.True(t, q.Released())
}

func TestGlobal_releaseWithoutMarkRelinks(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(9)
	q.Push(msg(1))

	drained := g.Release(q, func(Message) { t.Fatal("must not drop") })
	require.False(t, drained)
	require.Same(t, q, g.Pop())
	assert.Equal(t, 1, q.Len())
}

func TestQueue_concurrentPushPop(t *testing.T) {
	g := NewGlobal()
	q := g.NewQueue(1)
	_, _ = q.Pop()

	const producers, per = 4, 5000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				q.Push(Message{Source: Handle(p), Session: int32(i)})
			}
		}(p)
	}

	last := make(map[Handle]int32)
	for p := 0; p < producers; p++ {
		last[Handle(p)] = -1
	}
	got := 0
	for got < producers*per {
		if g.Pop() == nil {
			continue
		}
		for {
			m, ok := q.Pop()
			if !ok {
				break
			}
			require.Greater(t, m.Session, last[m.Source], "per-producer order must hold")
			last[m.Source] = m.Session
			got++
		}
	}
	wg.Wait()
	require.Equal(t, 0, q.Len())
}

func TestMessage_Size(t *testing.T) {
	m := Message{Kind: KindSocket, Data: make([]byte, 10)}
	require.Equal(t, uint64(10)|uint64(KindSocket)<<KindShift, m.Size())
	require.Equal(t, "socket", m.Kind.String())
	require.Equal(t, ":0000002a", Handle(42).String())
}
