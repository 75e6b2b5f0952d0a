// Package timer implements the hierarchical timing wheel that turns
// service timeouts into response messages.
//
// The wheel has a near ring of 256 slots, one per tick, and four coarser
// levels of 64 slots each. A node lives in exactly one slot and moves to a
// finer slot when the wheel's time enters the window of its coarse slot.
package timer

import (
	"log/slog"
	"sync/atomic"

	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/spinlock"
)

const (
	nearShift  = 8
	nearSize   = 1 << nearShift
	levelShift = 6
	levelSize  = 1 << levelShift
	nearMask   = nearSize - 1
	levelMask  = levelSize - 1
	levels     = 4
)

// Pusher delivers a message to a service.
type Pusher interface {
	Push(h mq.Handle, m mq.Message) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(h mq.Handle, m mq.Message) error

func (f PusherFunc) Push(h mq.Handle, m mq.Message) error { return f(h, m) }

type node struct {
	next    *node
	expire  uint32
	handle  mq.Handle
	session int32
}

type list struct {
	head *node
	tail *node
}

func (l *list) link(n *node) {
	n.next = nil
	if l.tail == nil {
		l.head, l.tail = n, n
		return
	}
	l.tail.next = n
	l.tail = n
}

func (l *list) clear() *node {
	n := l.head
	l.head, l.tail = nil, nil
	return n
}

type Options struct {
	Logger *slog.Logger
}

// Wheel is safe for concurrent Add; Tick must be driven by one goroutine.
type Wheel struct {
	lock  spinlock.Lock
	near  [nearSize]list
	t     [levels][levelSize]list
	time  uint32
	free  *node
	count int

	push  Pusher
	log   *slog.Logger
	fired atomic.Uint64
}

func New(push Pusher, opts Options) *Wheel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Wheel{
		push: push,
		log:  opts.Logger.With(slog.String("component", "timer")),
	}
}

// Add schedules a response message carrying session for handle h after
// delay ticks. A delay <= 0 delivers the message immediately. The returned
// session echoes the argument.
func (w *Wheel) Add(h mq.Handle, session int32, delay int) (int32, error) {
	if delay <= 0 {
		if err := w.push.Push(h, timeoutMessage(session)); err != nil {
			return 0, err
		}
		return session, nil
	}

	w.lock.Lock()
	n := w.free
	if n != nil {
		w.free = n.next
	} else {
		n = &node{}
	}
	n.handle = h
	n.session = session
	n.expire = w.time + uint32(delay)
	w.addNode(n)
	w.count++
	w.lock.Unlock()
	return session, nil
}

func (w *Wheel) addNode(n *node) {
	expire := n.expire
	current := w.time

	if expire|nearMask == current|nearMask {
		w.near[expire&nearMask].link(n)
		return
	}

	i := 0
	mask := uint32(nearSize << levelShift)
	for ; i < levels-1; i++ {
		if expire|(mask-1) == current|(mask-1) {
			break
		}
		mask <<= levelShift
	}
	w.t[i][(expire>>(nearShift+i*levelShift))&levelMask].link(n)
}

func (w *Wheel) moveList(level, idx int) {
	n := w.t[level][idx].clear()
	for n != nil {
		next := n.next
		w.addNode(n)
		n = next
	}
}

// shift advances the time by one tick and cascades at most one coarse slot.
func (w *Wheel) shift() {
	w.time++
	ct := w.time
	if ct == 0 {
		w.moveList(levels-1, 0)
		return
	}

	mask := uint32(nearSize)
	t := ct >> nearShift
	for i := 0; ct&(mask-1) == 0; i++ {
		idx := int(t & levelMask)
		if idx != 0 {
			w.moveList(i, idx)
			return
		}
		mask <<= levelShift
		t >>= levelShift
	}
}

// execute fires the near slot of the current time. The lock is released
// while messages are pushed to service queues.
func (w *Wheel) execute() {
	idx := w.time & nearMask
	for w.near[idx].head != nil {
		head := w.near[idx].clear()
		w.lock.Unlock()

		n, last := 0, head
		for cur := head; cur != nil; cur = cur.next {
			if err := w.push.Push(cur.handle, timeoutMessage(cur.session)); err != nil {
				w.log.Debug("drop timeout", slog.String("handle", cur.handle.String()), slog.Int("session", int(cur.session)), slog.Any("error", err))
			}
			n++
			last = cur
		}
		w.fired.Add(uint64(n))

		w.lock.Lock()
		last.next = w.free
		w.free = head
		w.count -= n
	}
}

// Tick advances the wheel by exactly one tick and fires what expired.
func (w *Wheel) Tick() {
	w.lock.Lock()
	// a node added with expire == time between two ticks
	w.execute()
	w.shift()
	w.execute()
	w.lock.Unlock()
}

// Pending returns the number of scheduled nodes.
func (w *Wheel) Pending() int {
	w.lock.Lock()
	n := w.count
	w.lock.Unlock()
	return n
}

// Fired returns the total number of fired timers.
func (w *Wheel) Fired() uint64 { return w.fired.Load() }

// Time returns the wheel's current tick.
func (w *Wheel) Time() uint32 {
	w.lock.Lock()
	t := w.time
	w.lock.Unlock()
	return t
}

func timeoutMessage(session int32) mq.Message {
	return mq.Message{Kind: mq.KindResponse, Session: session}
}
