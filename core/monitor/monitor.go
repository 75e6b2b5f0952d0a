// Package monitor detects workers stuck inside a single message dispatch.
//
// Each worker owns a Token. The worker triggers it before and after every
// dispatch; the monitor thread checks all tokens periodically and reports a
// destination whose version did not move since the previous check.
package monitor

import (
	"sync/atomic"

	"github.com/codewandler/svcrt/core/mq"
)

// Token is written by one worker and read by the monitor thread.
type Token struct {
	version      atomic.Uint32
	checkVersion uint32
	src          atomic.Uint32
	dst          atomic.Uint32
}

// Trigger records the message being dispatched. A zero dst marks the worker
// as idle.
func (t *Token) Trigger(src, dst mq.Handle) {
	t.src.Store(uint32(src))
	t.dst.Store(uint32(dst))
	t.version.Add(1)
}

// Check returns the destination when the token has not moved since the
// previous Check and a dispatch is in progress. Only the monitor calls it.
func (t *Token) Check() (mq.Handle, bool) {
	v := t.version.Load()
	if v == t.checkVersion {
		if dst := t.dst.Load(); dst != 0 {
			return mq.Handle(dst), true
		}
		return 0, false
	}
	t.checkVersion = v
	return 0, false
}

// Source returns the source of the message last triggered.
func (t *Token) Source() mq.Handle { return mq.Handle(t.src.Load()) }

// Version returns the trigger counter.
func (t *Token) Version() uint32 { return t.version.Load() }

// Set holds one token per worker.
type Set struct {
	tokens []Token
}

func NewSet(n int) *Set {
	return &Set{tokens: make([]Token, n)}
}

func (s *Set) Len() int { return len(s.tokens) }

func (s *Set) Token(i int) *Token { return &s.tokens[i] }

// CheckAll checks every token and calls report for each stuck worker.
func (s *Set) CheckAll(report func(worker int, src, dst mq.Handle, version uint32)) {
	for i := range s.tokens {
		tk := &s.tokens[i]
		if dst, stuck := tk.Check(); stuck {
			report(i, tk.Source(), dst, tk.Version())
		}
	}
}
