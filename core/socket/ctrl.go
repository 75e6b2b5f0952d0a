package socket

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// hasCmd reports whether the control pipe has a pending request.
func (ss *Server) hasCmd() bool {
	fds := []unix.PollFd{{Fd: int32(ss.recvCtrl), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		return err == nil && n == 1
	}
}

// ctrlCmd executes one control request. It reports false when the request
// produced no event.
func (ss *Server) ctrlCmd() (Event, bool) {
	r, err := readRequest(ss.recvCtrl)
	if err != nil {
		ss.log.Error("bad ctrl command", slog.Any("error", err))
		return Event{}, false
	}

	switch r.op {
	case opStart:
		return ss.startSocket(&r)
	case opBind:
		return ss.bindSocket(&r)
	case opListen:
		return ss.listenSocket(&r)
	case opClose:
		return ss.closeSocket(&r)
	case opOpen:
		return ss.openSocket(&r)
	case opExit:
		return Event{Type: EventExit}, true
	case opSendHigh, opSendLow:
		priority := priorityHigh
		if r.op == opSendLow {
			priority = priorityLow
		}
		ev, ok := ss.sendSocket(&r, priority, nil)
		ss.decSendingRef(r.id)
		return ev, ok
	case opSendUDP:
		return ss.sendSocket(&r, priorityHigh, r.addr)
	case opSetUDP:
		return ss.setUDPAddress(&r)
	case opSetOpt:
		ss.setOpt(&r)
		return Event{}, false
	case opUDP:
		ss.addUDPSocket(&r)
		return Event{}, false
	}
	ss.log.Error("unknown ctrl", slog.String("op", string(rune(r.op))))
	return Event{}, false
}

func (ss *Server) decSendingRef(id ID) {
	s := ss.slot(id)
	// a udp socket may count while still reserved
	if ID(s.id.Load()) != id || uint8(s.protocol.Load()) != ProtocolTCP {
		return
	}
	for {
		sending := s.sending.Load()
		if sending&0xffff == 0 {
			ss.log.Error("sending count underflow", slog.Int("id", int(id)))
			return
		}
		if s.sending.CompareAndSwap(sending, sending-1) {
			return
		}
	}
}

func (ss *Server) openSocket(r *request) (Event, bool) {
	ev := Event{Type: EventError, ID: r.id, Opaque: r.opaque}
	fail := func(err error) (Event, bool) {
		ss.slot(r.id).typ.Store(stateInvalid)
		ev.Err = err
		ev.Text = err.Error()
		return ev, true
	}

	addrs, err := resolve(r.host, int(r.port))
	if err != nil {
		return fail(err)
	}

	fd := -1
	var (
		peer      unix.Sockaddr
		connected bool
		lastErr   error
	)
	for _, sa := range addrs {
		sock, err := unix.Socket(sockaddrFamily(sa), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
		if err != nil {
			lastErr = err
			continue
		}
		keepalive(sock)
		_ = unix.SetNonblock(sock, true)
		err = unix.Connect(sock, sa)
		if err != nil && !errors.Is(err, unix.EINPROGRESS) {
			_ = unix.Close(sock)
			lastErr = err
			continue
		}
		fd, peer, connected = sock, sa, err == nil
		break
	}
	if fd < 0 {
		if lastErr == nil {
			lastErr = ErrInvalidAddress
		}
		return fail(fmt.Errorf("connect %s:%d: %w", r.host, r.port, lastErr))
	}

	s, err := ss.newFD(r.id, fd, ProtocolTCP, r.opaque, true)
	if err != nil {
		_ = unix.Close(fd)
		return fail(fmt.Errorf("%w: %w", ErrNoSlot, err))
	}

	if connected {
		s.typ.Store(stateConnected)
		return Event{Type: EventOpen, ID: r.id, Opaque: r.opaque, Text: sockaddrIP(peer)}, true
	}
	s.typ.Store(stateConnecting)
	ss.poller.write(fd, s.index, true)
	return Event{}, false
}

func (ss *Server) listenSocket(r *request) (Event, bool) {
	s, err := ss.newFD(r.id, int(r.fd), ProtocolTCP, r.opaque, false)
	if err != nil {
		_ = unix.Close(int(r.fd))
		ss.slot(r.id).typ.Store(stateInvalid)
		return Event{Type: EventError, ID: r.id, Opaque: r.opaque, Err: ErrNoSlot, Text: ErrNoSlot.Error()}, true
	}
	s.typ.Store(statePListen)
	return Event{}, false
}

func (ss *Server) bindSocket(r *request) (Event, bool) {
	ev := Event{ID: r.id, Opaque: r.opaque}
	s, err := ss.newFD(r.id, int(r.fd), ProtocolTCP, r.opaque, true)
	if err != nil {
		ss.slot(r.id).typ.Store(stateInvalid)
		ev.Type = EventError
		ev.Err = fmt.Errorf("%w: %w", ErrNoSlot, err)
		ev.Text = ev.Err.Error()
		return ev, true
	}
	_ = unix.SetNonblock(int(r.fd), true)
	s.typ.Store(stateBind)
	ev.Type = EventOpen
	ev.Text = "binding"
	return ev, true
}

func (ss *Server) startSocket(r *request) (Event, bool) {
	ev := Event{ID: r.id, Opaque: r.opaque}
	s := ss.slot(r.id)
	st := s.state()
	if st == stateInvalid || ID(s.id.Load()) != r.id {
		ev.Type = EventError
		ev.Err = ErrStaleID
		ev.Text = "invalid socket"
		return ev, true
	}

	l := s.newLock()
	switch st {
	case statePAccept, statePListen:
		if err := ss.poller.add(int(s.fd.Load()), s.index); err != nil {
			ss.forceClose(s, &l)
			ev.Type = EventError
			ev.Err = err
			ev.Text = err.Error()
			return ev, true
		}
		if st == statePAccept {
			s.typ.Store(stateConnected)
		} else {
			s.typ.Store(stateListen)
		}
		s.opaque.Store(r.opaque)
		ev.Type = EventOpen
		ev.Text = "start"
		return ev, true
	case stateConnected:
		s.opaque.Store(r.opaque)
		ev.Type = EventOpen
		ev.Text = "transfer"
		return ev, true
	}
	// a half closed socket reports its close later
	return Event{}, false
}

func (ss *Server) closeSocket(r *request) (Event, bool) {
	s := ss.slot(r.id)
	if s.state() == stateInvalid || ID(s.id.Load()) != r.id {
		return Event{Type: EventClose, ID: r.id, Opaque: r.opaque}, true
	}

	l := s.newLock()
	if !s.nomoreSendingData() {
		ev, ok := ss.sendBuffer(s, &l)
		// a warning means the buffer drained
		if ok && ev.Type != EventWarning {
			return ev, true
		}
	}
	if r.shutdown || s.nomoreSendingData() {
		ev := ss.forceClose(s, &l)
		ev.Type = EventClose
		ev.ID = r.id
		ev.Opaque = r.opaque
		return ev, true
	}
	s.typ.Store(stateHalfClose)
	return Event{}, false
}

func (ss *Server) setOpt(r *request) {
	s := ss.slot(r.id)
	if s.state() == stateInvalid || ID(s.id.Load()) != r.id {
		return
	}
	if err := unix.SetsockoptInt(int(s.fd.Load()), unix.IPPROTO_TCP, int(r.port), int(r.value)); err != nil {
		ss.log.Warn("setsockopt", slog.Int("id", int(r.id)), slog.Any("error", err))
	}
}

func (ss *Server) addUDPSocket(r *request) {
	protocol := ProtocolUDP
	if r.port == unix.AF_INET6 {
		protocol = ProtocolUDPv6
	}
	s, err := ss.newFD(r.id, int(r.fd), protocol, r.opaque, true)
	if err != nil {
		_ = unix.Close(int(r.fd))
		ss.slot(r.id).typ.Store(stateInvalid)
		ss.log.Error("add udp socket", slog.Int("id", int(r.id)), slog.Any("error", err))
		return
	}
	s.typ.Store(stateConnected)
}

func (ss *Server) setUDPAddress(r *request) (Event, bool) {
	s := ss.slot(r.id)
	if s.state() == stateInvalid || ID(s.id.Load()) != r.id {
		return Event{}, false
	}
	if r.addr.Protocol() != uint8(s.protocol.Load()) {
		s.udpConnecting.Add(-1)
		return Event{
			Type:   EventError,
			ID:     r.id,
			Opaque: s.opaque.Load(),
			Err:    ErrTypeMismatch,
			Text:   "protocol mismatch",
		}, true
	}
	l := s.newLock()
	l.Lock()
	s.udpAddr = append(UDPAddress(nil), r.addr[:r.addr.size()]...)
	l.Unlock()
	s.udpConnecting.Add(-1)
	return Event{}, false
}
