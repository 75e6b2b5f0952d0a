package socket

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Poll returns the next event. Pending control requests are always executed
// before the server waits for readiness again, and readiness events are
// handled one at a time. Poll returns an error only when the epoll wait
// itself fails.
func (ss *Server) Poll() (Event, error) {
	for {
		if ss.checkCtrl {
			if ss.hasCmd() {
				ev, ok := ss.ctrlCmd()
				if ok {
					ss.clearClosedEvent(ev)
					return ev, nil
				}
				continue
			}
			ss.checkCtrl = false
		}

		if ss.eventIndex == ss.eventN {
			n, err := ss.poller.wait(ss.events, ss.lookup)
			ss.checkCtrl = true
			ss.eventIndex = 0
			if err != nil {
				ss.eventN = 0
				if errors.Is(err, unix.EINTR) {
					continue
				}
				return Event{}, err
			}
			ss.eventN = n
		}

		e := &ss.events[ss.eventIndex]
		ss.eventIndex++
		s := e.s
		if s == nil {
			// control pipe, drained at the top of the loop
			continue
		}

		l := s.newLock()
		switch s.state() {
		case stateConnecting:
			return ss.reportConnect(s, &l), nil
		case stateListen:
			if ev, ok := ss.reportAccept(s); ok {
				return ev, nil
			}
		case stateInvalid:
			ss.log.Debug("event on invalid socket", slog.Int("slot", int(s.index)))
		default:
			if e.read {
				var (
					ev Event
					ok bool
				)
				if uint8(s.protocol.Load()) == ProtocolTCP {
					ev, ok = ss.forwardTCP(s, &l)
				} else {
					ev, ok = ss.forwardUDP(s, &l)
					if ok && ev.Type == EventUDP {
						// read the same socket again on the next call
						ss.eventIndex--
						return ev, nil
					}
				}
				if e.write && !(ok && (ev.Type == EventClose || ev.Type == EventError)) {
					// handle the write half on the next call
					e.read = false
					ss.eventIndex--
				}
				if !ok {
					break
				}
				return ev, nil
			}
			if e.write {
				ev, ok := ss.sendBuffer(s, &l)
				if !ok {
					break
				}
				return ev, nil
			}
			if e.err {
				var err error
				code, gerr := unix.GetsockoptInt(int(s.fd.Load()), unix.SOL_SOCKET, unix.SO_ERROR)
				switch {
				case gerr != nil:
					err = gerr
				case code != 0:
					err = unix.Errno(code)
				default:
					err = errors.New("unknown error")
				}
				ev := ss.forceClose(s, &l)
				ev.Type = EventError
				ev.Err = err
				ev.Text = err.Error()
				return ev, nil
			}
		}
	}
}

// clearClosedEvent drops pending readiness of a socket that a control
// request closed while the current event batch is still being handled.
func (ss *Server) clearClosedEvent(ev Event) {
	if ev.Type != EventClose && ev.Type != EventError {
		return
	}
	for i := ss.eventIndex; i < ss.eventN; i++ {
		e := &ss.events[i]
		if s := e.s; s != nil && s.state() == stateInvalid && ID(s.id.Load()) == ev.ID {
			e.s = nil
			break
		}
	}
}

// forwardTCP reads once from a connected socket and adapts the read size:
// a full read doubles it, a read under half of it halves it down to
// MinReadBuffer.
func (ss *Server) forwardTCP(s *slot, l *socketLock) (Event, bool) {
	sz := s.readSize
	buf := make([]byte, sz)
	n, err := unix.Read(int(s.fd.Load()), buf)
	if err != nil {
		switch err {
		case unix.EINTR:
		case unix.EAGAIN:
			ss.log.Debug("EAGAIN capture", slog.Int("id", int(s.id.Load())))
		default:
			ev := ss.forceClose(s, l)
			ev.Type = EventError
			ev.Err = err
			ev.Text = err.Error()
			return ev, true
		}
		return Event{}, false
	}
	if n == 0 {
		ev := ss.forceClose(s, l)
		ev.Type = EventClose
		return ev, true
	}
	if s.state() == stateHalfClose {
		// discard data once a close was requested
		return Event{}, false
	}

	ss.statRead(s, n)
	if n == sz {
		s.readSize *= 2
	} else if sz > MinReadBuffer && n*2 < sz {
		s.readSize /= 2
	}
	return Event{Type: EventData, ID: ID(s.id.Load()), Opaque: s.opaque.Load(), UD: n, Data: buf[:n]}, true
}

// forwardUDP reads one datagram. Datagrams from a family other than the
// socket's are ignored.
func (ss *Server) forwardUDP(s *slot, l *socketLock) (Event, bool) {
	n, from, err := unix.Recvfrom(int(s.fd.Load()), ss.udpBuffer, 0)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return Event{}, false
		}
		ev := ss.forceClose(s, l)
		ev.Type = EventError
		ev.Err = err
		ev.Text = err.Error()
		return ev, true
	}
	ss.statRead(s, n)

	addr := udpAddressOf(from)
	if addr.Protocol() != uint8(s.protocol.Load()) {
		return Event{}, false
	}
	data := make([]byte, n)
	copy(data, ss.udpBuffer[:n])
	return Event{Type: EventUDP, ID: ID(s.id.Load()), Opaque: s.opaque.Load(), UD: n, Data: data, From: addr}, true
}

// reportConnect completes a pending connect once the socket is writable.
func (ss *Server) reportConnect(s *slot, l *socketLock) Event {
	fd := int(s.fd.Load())
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || code != 0 {
		if err == nil {
			err = unix.Errno(code)
		}
		ev := ss.forceClose(s, l)
		ev.Type = EventError
		ev.Err = err
		ev.Text = err.Error()
		return ev
	}

	s.typ.Store(stateConnected)
	ev := Event{Type: EventOpen, ID: ID(s.id.Load()), Opaque: s.opaque.Load()}
	if s.nomoreSendingData() {
		ss.poller.write(fd, s.index, false)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		ev.Text = sockaddrIP(sa)
	}
	return ev
}

// reportAccept accepts one connection on a listening socket. The new socket
// is left in the accepted state until Start. Running out of descriptors is
// reported as an error event; other failures produce no event.
func (ss *Server) reportAccept(s *slot) (Event, bool) {
	fd, sa, err := unix.Accept4(int(s.fd.Load()), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EMFILE || err == unix.ENFILE {
			return Event{
				Type:   EventError,
				ID:     ID(s.id.Load()),
				Opaque: s.opaque.Load(),
				Err:    err,
				Text:   err.Error(),
			}, true
		}
		return Event{}, false
	}

	id, err := ss.reserveID()
	if err != nil {
		_ = unix.Close(fd)
		ss.log.Warn("accept: no free slot", slog.Int("listen", int(s.id.Load())))
		return Event{}, false
	}
	keepalive(fd)
	if _, err := ss.newFD(id, fd, ProtocolTCP, s.opaque.Load(), false); err != nil {
		_ = unix.Close(fd)
		ss.slot(id).typ.Store(stateInvalid)
		return Event{}, false
	}
	ss.statRead(s, 1)

	ss.slot(id).typ.Store(statePAccept)
	return Event{
		Type:   EventAccept,
		ID:     ID(s.id.Load()),
		Opaque: s.opaque.Load(),
		UD:     int(id),
		Text:   sockaddrName(sa),
	}, true
}
