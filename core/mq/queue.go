package mq

import (
	"github.com/codewandler/svcrt/core/spinlock"
)

const (
	// DefaultQueueSize is the initial ring capacity of a service queue.
	DefaultQueueSize = 64
	// OverloadThreshold is the base overload watermark.
	OverloadThreshold = 1024
)

// Queue is the message queue of one service.
//
// A queue is runnable while inGlobal is set: it is then either linked into
// the Global chain or held by the worker that popped it. Push links an idle
// queue; Pop unlinks it logically when it finds the queue empty.
type Queue struct {
	lock   spinlock.Lock
	global *Global
	handle Handle

	buf  []Message
	head int
	tail int

	release           bool
	inGlobal          bool
	overload          int
	overloadThreshold int

	// guarded by global.lock
	next   *Queue
	linked bool
}

// NewQueue creates the queue for handle h.
//
// The queue starts flagged as in the global chain without being linked, so
// messages pushed before the owning service finished its initialization are
// buffered but not scheduled. The owner links it by calling Global.Push once
// it is ready.
func (g *Global) NewQueue(h Handle) *Queue {
	return &Queue{
		global:            g,
		handle:            h,
		buf:               make([]Message, DefaultQueueSize),
		inGlobal:          true,
		overloadThreshold: OverloadThreshold,
	}
}

func (q *Queue) Handle() Handle { return q.handle }

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.lock.Lock()
	n := q.lengthLocked()
	q.lock.Unlock()
	return n
}

func (q *Queue) lengthLocked() int {
	if q.head <= q.tail {
		return q.tail - q.head
	}
	return q.tail + len(q.buf) - q.head
}

// Overload returns the last recorded overload length and resets it. A
// non-zero value is reported once per watermark crossing.
func (q *Queue) Overload() int {
	q.lock.Lock()
	n := q.overload
	q.overload = 0
	q.lock.Unlock()
	return n
}

// Push appends m and links the queue into the global chain if it was idle.
func (q *Queue) Push(m Message) {
	q.lock.Lock()
	q.buf[q.tail] = m
	q.tail++
	if q.tail >= len(q.buf) {
		q.tail = 0
	}
	if q.head == q.tail {
		q.expand()
	}
	if !q.inGlobal {
		q.inGlobal = true
		q.global.Push(q)
	}
	q.lock.Unlock()
}

// expand doubles the ring. It is called when the ring is full, which is
// when head caught up with tail after a push.
func (q *Queue) expand() {
	n := len(q.buf)
	buf := make([]Message, n*2)
	for i := 0; i < n; i++ {
		buf[i] = q.buf[(q.head+i)%n]
	}
	q.head = 0
	q.tail = n
	q.buf = buf
}

// Pop removes the oldest message. When the queue is empty it reports false,
// clears the runnable flag and resets the overload watermark.
func (q *Queue) Pop() (Message, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.head == q.tail {
		q.overloadThreshold = OverloadThreshold
		q.inGlobal = false
		return Message{}, false
	}

	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head++
	if q.head >= len(q.buf) {
		q.head = 0
	}

	length := q.lengthLocked()
	for length > q.overloadThreshold {
		q.overload = length
		q.overloadThreshold *= 2
	}
	return m, true
}

// MarkRelease flags the queue for teardown. An idle queue is linked so that a
// worker visits it and drains it through Global.Release.
func (q *Queue) MarkRelease() {
	q.lock.Lock()
	if q.release {
		q.lock.Unlock()
		panic("mq: queue " + q.handle.String() + " released twice")
	}
	q.release = true
	if !q.inGlobal {
		q.inGlobal = true
		q.global.Push(q)
	}
	q.lock.Unlock()
}

// Released reports whether MarkRelease was called.
func (q *Queue) Released() bool {
	q.lock.Lock()
	r := q.release
	q.lock.Unlock()
	return r
}

// Release drains a queue marked for release, passing every remaining message
// to drop exactly once. A queue that is not marked was popped by a worker
// while its service is still being torn down; it is linked back instead.
// It reports whether the queue was drained.
func (g *Global) Release(q *Queue, drop func(Message)) bool {
	q.lock.Lock()
	if !q.release {
		g.Push(q)
		q.lock.Unlock()
		return false
	}
	q.lock.Unlock()

	for {
		m, ok := q.Pop()
		if !ok {
			break
		}
		drop(m)
	}
	return true
}
