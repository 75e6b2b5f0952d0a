// Package mq implements the two-level message queue of the runtime: one FIFO
// queue per service, and a global FIFO chain of the service queues that
// currently have work.
//
// A service queue is linked into the global chain at most once. Producers
// push into service queues concurrently; only the transitions between idle
// and runnable touch the global chain.
package mq

import (
	"errors"

	"github.com/codewandler/svcrt/core/spinlock"
)

// ErrDoubleLink is the panic value raised when a queue is linked into the
// global chain while already linked.
var ErrDoubleLink = errors.New("mq: queue linked into global chain twice")

// Global is the intrusive FIFO of runnable service queues.
type Global struct {
	lock spinlock.Lock
	head *Queue
	tail *Queue
	size int
}

func NewGlobal() *Global {
	return &Global{}
}

// Push links q at the tail of the chain.
func (g *Global) Push(q *Queue) {
	g.lock.Lock()
	if q.linked {
		g.lock.Unlock()
		panic(ErrDoubleLink)
	}
	q.linked = true
	if g.tail != nil {
		g.tail.next = q
		g.tail = q
	} else {
		g.head, g.tail = q, q
	}
	g.size++
	g.lock.Unlock()
}

// Pop unlinks the head of the chain. It returns nil when the chain is empty.
func (g *Global) Pop() *Queue {
	g.lock.Lock()
	q := g.head
	if q != nil {
		g.head = q.next
		if g.head == nil {
			g.tail = nil
		}
		q.next = nil
		q.linked = false
		g.size--
	}
	g.lock.Unlock()
	return q
}

// Len returns the number of linked queues.
func (g *Global) Len() int {
	g.lock.Lock()
	n := g.size
	g.lock.Unlock()
	return n
}
