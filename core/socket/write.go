package socket

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// sendSocket handles a send request on the I/O goroutine.
//
// With an empty buffer on a connected socket, TCP data goes to the high list
// whatever its priority and write readiness is turned on; a udp datagram is
// sent right away. Otherwise the data is queued on the list of its priority.
func (ss *Server) sendSocket(r *request, priority int, udpAddr UDPAddress) (Event, bool) {
	id := r.id
	s := ss.slot(id)
	buf := ss.buffers.take(r.token)

	st := s.state()
	if st == stateInvalid || ID(s.id.Load()) != id || st == stateHalfClose || st == statePAccept {
		return Event{}, false
	}
	if st == statePListen || st == stateListen {
		ss.log.Warn("write to listen fd", slog.Int("id", int(id)), slog.Any("error", ErrListenSocket))
		return Event{}, false
	}

	l := s.newLock()
	l.Lock()
	defer l.Unlock()

	protocol := uint8(s.protocol.Load())
	if udpAddr == nil {
		udpAddr = s.udpAddr
	}
	fd := int(s.fd.Load())

	if s.sendBufferEmpty() && st == stateConnected {
		if protocol == ProtocolTCP {
			s.appendBuffer(&s.high, &writeBuffer{buf: buf})
		} else {
			sa := udpAddr.sockaddr(protocol)
			if sa == nil {
				ss.log.Warn("udp socket type mismatch", slog.Int("id", int(id)), slog.Any("error", ErrTypeMismatch))
				return Event{}, false
			}
			if err := unix.Sendto(fd, buf, 0, sa); err == nil {
				ss.statWrite(s, len(buf))
				return Event{}, false
			}
			s.appendBuffer(s.list(priority), &writeBuffer{buf: buf, udpAddr: udpAddr})
		}
		ss.poller.write(fd, s.index, true)
	} else {
		wb := &writeBuffer{buf: buf}
		if protocol != ProtocolTCP {
			wb.udpAddr = udpAddr
		}
		// write readiness is already on
		s.appendBuffer(s.list(priority), wb)
	}

	if size := s.wbSize.Load(); size >= WarningSize && size >= s.warnSize {
		if s.warnSize == 0 {
			s.warnSize = WarningSize * 2
		} else {
			s.warnSize *= 2
		}
		kb := size / 1024
		if size%1024 != 0 {
			kb++
		}
		return Event{Type: EventWarning, ID: id, Opaque: s.opaque.Load(), UD: int(kb)}, true
	}
	return Event{}, false
}

func (s *slot) list(priority int) *wbList {
	if priority == priorityLow {
		return &s.low
	}
	return &s.high
}

// sendBuffer flushes buffered data when write readiness fires. A worker
// holding the lock for a direct write defers the flush to the next
// readiness event.
func (ss *Server) sendBuffer(s *slot, l *socketLock) (Event, bool) {
	if !l.TryLock() {
		return Event{}, false
	}
	defer l.Unlock()

	if s.dwBuffer != nil {
		// the direct write remainder goes before the high list
		wb := &writeBuffer{buf: s.dwBuffer, off: s.dwOffset}
		s.high.prepend(wb)
		s.wbSize.Add(int64(len(wb.remaining())))
		s.dwBuffer = nil
		s.dwOffset = 0
	}
	return ss.sendBufferLocked(s, l)
}

// sendBufferLocked writes the high list, then the low list. A partially
// written low head is moved to the empty high list so nothing queued later
// can overtake its remainder. Once both lists are empty write readiness is
// turned off, a half closed socket is closed and a raised warning is reset.
func (ss *Server) sendBufferLocked(s *slot, l *socketLock) (Event, bool) {
	if s.low.uncomplete() {
		panic("socket: uncomplete low priority head")
	}
	if ev, closed := ss.sendList(s, &s.high, l); closed {
		return ev, true
	}
	if s.high.head != nil {
		return Event{}, false
	}
	if s.low.head != nil {
		if ev, closed := ss.sendList(s, &s.low, l); closed {
			return ev, true
		}
		if s.low.uncomplete() {
			s.raiseUncomplete()
			return Event{}, false
		}
		if s.low.head != nil {
			return Event{}, false
		}
	}

	ss.poller.write(int(s.fd.Load()), s.index, false)

	if s.state() == stateHalfClose {
		ev := ss.forceClose(s, l)
		ev.Type = EventClose
		return ev, true
	}
	if s.warnSize > 0 {
		s.warnSize = 0
		return Event{Type: EventWarning, ID: ID(s.id.Load()), Opaque: s.opaque.Load()}, true
	}
	return Event{}, false
}

// raiseUncomplete moves the head of the low list to the empty high list.
func (s *slot) raiseUncomplete() {
	wb := s.low.popFront()
	if s.high.head != nil {
		panic("socket: raise into non-empty high list")
	}
	s.high.append(wb)
}

func (ss *Server) sendList(s *slot, list *wbList, l *socketLock) (Event, bool) {
	if uint8(s.protocol.Load()) == ProtocolTCP {
		return ss.sendListTCP(s, list, l)
	}
	ss.sendListUDP(s, list)
	return Event{}, false
}

// sendListTCP writes as much of list as the socket accepts. It reports true
// with a close event when the socket failed.
func (ss *Server) sendListTCP(s *slot, list *wbList, l *socketLock) (Event, bool) {
	fd := int(s.fd.Load())
	for list.head != nil {
		wb := list.head
		for {
			n, err := unix.Write(fd, wb.remaining())
			if err != nil {
				switch err {
				case unix.EINTR:
					continue
				case unix.EAGAIN:
					return Event{}, false
				}
				ev := ss.forceClose(s, l)
				ev.Type = EventClose
				return ev, true
			}
			ss.statWrite(s, n)
			s.wbSize.Add(int64(-n))
			if n != len(wb.remaining()) {
				wb.off += n
				return Event{}, false
			}
			break
		}
		list.popFront()
		s.pending.Add(-1)
	}
	return Event{}, false
}

func (ss *Server) sendListUDP(s *slot, list *wbList) {
	fd := int(s.fd.Load())
	protocol := uint8(s.protocol.Load())
	for list.head != nil {
		wb := list.head
		sa := wb.udpAddr.sockaddr(protocol)
		if sa == nil {
			ss.log.Warn("udp type mismatch", slog.Int("id", int(s.id.Load())))
			ss.dropUDP(s, list)
			return
		}
		if err := unix.Sendto(fd, wb.buf, 0, sa); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				return
			}
			ss.log.Warn("udp sendto", slog.Int("id", int(s.id.Load())), slog.Any("error", err))
			ss.dropUDP(s, list)
			return
		}
		ss.statWrite(s, len(wb.buf))
		s.wbSize.Add(int64(-len(wb.buf)))
		list.popFront()
		s.pending.Add(-1)
	}
}

func (ss *Server) dropUDP(s *slot, list *wbList) {
	wb := list.popFront()
	s.wbSize.Add(int64(-len(wb.buf)))
	s.pending.Add(-1)
}
