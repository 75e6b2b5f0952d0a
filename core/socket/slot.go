package socket

import (
	"runtime"
	"sync/atomic"

	"github.com/codewandler/svcrt/core/spinlock"
)

type writeBuffer struct {
	next *writeBuffer
	buf  []byte
	// off is the number of bytes already written; a low priority head with
	// off > 0 is uncomplete.
	off     int
	udpAddr UDPAddress
}

func (wb *writeBuffer) remaining() []byte { return wb.buf[wb.off:] }

type wbList struct {
	head *writeBuffer
	tail *writeBuffer
}

func (l *wbList) append(wb *writeBuffer) {
	wb.next = nil
	if l.head == nil {
		l.head, l.tail = wb, wb
		return
	}
	l.tail.next = wb
	l.tail = wb
}

func (l *wbList) prepend(wb *writeBuffer) {
	wb.next = l.head
	l.head = wb
	if l.tail == nil {
		l.tail = wb
	}
}

func (l *wbList) popFront() *writeBuffer {
	wb := l.head
	l.head = wb.next
	if l.head == nil {
		l.tail = nil
	}
	wb.next = nil
	return wb
}

func (l *wbList) uncomplete() bool {
	return l.head != nil && l.head.off != 0
}

type stat struct {
	read  atomic.Uint64
	write atomic.Uint64
	rtime atomic.Uint64
	wtime atomic.Uint64
}

func (st *stat) reset() {
	st.read.Store(0)
	st.write.Store(0)
	st.rtime.Store(0)
	st.wtime.Store(0)
}

// slot is one socket state machine.
//
// Fields read by worker goroutines are atomics. The write lists, the direct
// write remainder and the udp peer address are guarded by lock. The rest is
// owned by the I/O goroutine.
type slot struct {
	index int32

	id            atomic.Int32
	typ           atomic.Uint32
	fd            atomic.Int32
	protocol      atomic.Uint32
	opaque        atomic.Uint64
	udpConnecting atomic.Int32
	// sending packs the id tag in the high 16 bits and the number of send
	// requests in flight in the low 16 bits.
	sending atomic.Uint32
	// pending counts queued write buffers including the direct write
	// remainder, so workers can test for an empty buffer without the lock.
	pending atomic.Int32
	wbSize  atomic.Int64
	stat    stat

	lock     spinlock.Lock
	high     wbList
	low      wbList
	udpAddr  UDPAddress
	dwBuffer []byte
	dwOffset int

	warnSize int64
	readSize int
}

func (s *slot) state() uint32 { return s.typ.Load() }

func (s *slot) sendBufferEmpty() bool {
	return s.high.head == nil && s.low.head == nil
}

func (s *slot) nomoreSendingData() bool {
	return s.pending.Load() == 0 && s.sending.Load()&0xffff == 0
}

func (s *slot) canDirectWrite(id ID) bool {
	return ID(s.id.Load()) == id &&
		s.nomoreSendingData() &&
		s.state() == stateConnected &&
		s.udpConnecting.Load() == 0
}

func (s *slot) appendBuffer(list *wbList, wb *writeBuffer) {
	list.append(wb)
	s.pending.Add(1)
	s.wbSize.Add(int64(len(wb.buf)))
}

func (s *slot) freeLists() {
	s.high = wbList{}
	s.low = wbList{}
	s.dwBuffer = nil
	s.dwOffset = 0
	s.pending.Store(0)
	s.wbSize.Store(0)
}

// incSendingRef counts a send request about to enter the control pipe. It
// only counts while the slot still carries the tag of id; a saturated counter
// waits for the I/O goroutine to release some.
func (s *slot) incSendingRef(id ID, tag uint32) {
	if uint8(s.protocol.Load()) != ProtocolTCP {
		return
	}
	for {
		sending := s.sending.Load()
		if sending>>16 != tag {
			return
		}
		if sending&0xffff == 0xffff {
			runtime.Gosched()
			continue
		}
		if s.sending.CompareAndSwap(sending, sending+1) {
			return
		}
	}
}

// socketLock is a re-entrant view on a slot's lock, scoped to one operation.
type socketLock struct {
	lock  *spinlock.Lock
	count int
}

func (s *slot) newLock() socketLock {
	return socketLock{lock: &s.lock}
}

func (l *socketLock) Lock() {
	if l.count == 0 {
		l.lock.Lock()
	}
	l.count++
}

func (l *socketLock) TryLock() bool {
	if l.count == 0 && !l.lock.TryLock() {
		return false
	}
	l.count++
	return true
}

func (l *socketLock) Unlock() {
	l.count--
	if l.count < 0 {
		panic("socket: lock released more often than taken")
	}
	if l.count == 0 {
		l.lock.Unlock()
	}
}
