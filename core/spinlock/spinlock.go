// Package spinlock provides busy-wait locks for very short critical sections.
//
// Neither lock parks the goroutine on contention. Holders must never block
// (no syscalls that can sleep, no channel operations) while a lock is held.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// spins before yielding the processor to the Go scheduler.
const spinBudget = 64

// Lock is a test-and-set spinlock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
}

func (l *Lock) Lock() {
	for i := 0; !l.state.CompareAndSwap(0, 1); i++ {
		if i >= spinBudget {
			runtime.Gosched()
			i = 0
		}
	}
}

// TryLock acquires the lock only if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

func (l *Lock) Unlock() {
	l.state.Store(0)
}

// RWLock is a writer-priority reader/writer spinlock.
//
// A reader that observes a pending writer after announcing itself backs out
// and retries, so a writer waits only for readers that were already inside.
type RWLock struct {
	write atomic.Uint32
	read  atomic.Int32
}

func (l *RWLock) RLock() {
	for i := 0; ; i++ {
		for l.write.Load() != 0 {
			backoff(&i)
		}
		l.read.Add(1)
		if l.write.Load() == 0 {
			return
		}
		l.read.Add(-1)
	}
}

func (l *RWLock) RUnlock() {
	l.read.Add(-1)
}

func (l *RWLock) Lock() {
	for i := 0; !l.write.CompareAndSwap(0, 1); i++ {
		backoff(&i)
	}
	for i := 0; l.read.Load() != 0; i++ {
		backoff(&i)
	}
}

func (l *RWLock) Unlock() {
	l.write.Store(0)
}

func backoff(i *int) {
	if *i >= spinBudget {
		runtime.Gosched()
		*i = 0
	}
}
