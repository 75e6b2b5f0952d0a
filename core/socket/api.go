package socket

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// openHeader is the fixed part of an open request before the host name.
const openHeader = 4 + 4 + 8

// Connect starts a non-blocking TCP connect to host:port. The result arrives
// as an open or error event for the returned id.
func (ss *Server) Connect(opaque uint64, host string, port int) (ID, error) {
	if len(host)+openHeader >= 256 {
		ss.log.Error("invalid addr", slog.String("host", host))
		return -1, fmt.Errorf("%w: host too long", ErrInvalidAddress)
	}
	id, err := ss.reserveID()
	if err != nil {
		return -1, err
	}
	return id, ss.sendRequest(&request{op: opOpen, id: id, port: int32(port), opaque: opaque, host: host})
}

// Listen binds and listens on host:port. The socket is registered but not
// watched until Start.
func (ss *Server) Listen(opaque uint64, host string, port, backlog int) (ID, error) {
	fd, err := listenSocket(host, port, backlog)
	if err != nil {
		return -1, err
	}
	id, err := ss.reserveID()
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return id, ss.sendRequest(&request{op: opListen, id: id, fd: int32(fd), opaque: opaque})
}

// Bind adopts an existing descriptor, such as stdin. The server never
// closes a bound descriptor.
func (ss *Server) Bind(opaque uint64, fd int) (ID, error) {
	id, err := ss.reserveID()
	if err != nil {
		return -1, err
	}
	return id, ss.sendRequest(&request{op: opBind, id: id, fd: int32(fd), opaque: opaque})
}

// Start begins watching a listening or accepted socket, or transfers a
// connected socket to a new opaque.
func (ss *Server) Start(opaque uint64, id ID) error {
	return ss.sendRequest(&request{op: opStart, id: id, opaque: opaque})
}

// Close closes the socket once its buffered data is written.
func (ss *Server) Close(opaque uint64, id ID) error {
	return ss.sendRequest(&request{op: opClose, id: id, opaque: opaque})
}

// Shutdown closes the socket and discards buffered data.
func (ss *Server) Shutdown(opaque uint64, id ID) error {
	return ss.sendRequest(&request{op: opClose, id: id, shutdown: true, opaque: opaque})
}

// Exit makes Poll return an exit event.
func (ss *Server) Exit() error {
	return ss.sendRequest(&request{op: opExit})
}

// NoDelay sets TCP_NODELAY on the socket.
func (ss *Server) NoDelay(id ID) error {
	return ss.sendRequest(&request{op: opSetOpt, id: id, port: unix.TCP_NODELAY, value: 1})
}

// Send queues buf on the high priority list. An idle connected socket is
// written directly from the calling goroutine. The server owns buf after the
// call.
func (ss *Server) Send(id ID, buf []byte) error {
	s := ss.slot(id)
	if ID(s.id.Load()) != id || s.state() == stateInvalid {
		return ErrStaleID
	}

	l := s.newLock()
	if s.canDirectWrite(id) && l.TryLock() {
		// checked again under the lock
		if s.canDirectWrite(id) {
			done, err := ss.directWrite(s, &l, buf)
			l.Unlock()
			if err != nil || done {
				return err
			}
		} else {
			l.Unlock()
		}
	}

	return ss.queueSend(s, opSendHigh, id, buf)
}

// queueSend hands buf to the I/O goroutine. A request that never reached
// the pipe gives its buffer and sending count back.
func (ss *Server) queueSend(s *slot, op byte, id ID, buf []byte) error {
	s.incSendingRef(id, ss.tag(id))
	tok := ss.buffers.put(buf)
	if err := ss.sendRequest(&request{op: op, id: id, size: int32(len(buf)), token: tok}); err != nil {
		ss.buffers.take(tok)
		ss.decSendingRef(id)
		return err
	}
	return nil
}

// directWrite writes buf while holding the socket lock. A TCP remainder is
// parked for the I/O goroutine. It reports false when the request path must
// be taken instead.
func (ss *Server) directWrite(s *slot, l *socketLock, buf []byte) (bool, error) {
	fd := int(s.fd.Load())
	if uint8(s.protocol.Load()) != ProtocolTCP {
		sa := s.udpAddr.sockaddr(uint8(s.protocol.Load()))
		if sa == nil {
			ss.log.Warn("set udp address first", slog.Int("id", int(s.id.Load())))
			return true, ErrTypeMismatch
		}
		if err := unix.Sendto(fd, buf, 0, sa); err != nil {
			return false, nil
		}
		ss.statWrite(s, len(buf))
		return true, nil
	}

	n, err := unix.Write(fd, buf)
	if err != nil || n < 0 {
		// let the I/O goroutine retry
		n = 0
	}
	ss.statWrite(s, n)
	if n == len(buf) {
		return true, nil
	}
	s.dwBuffer = buf
	s.dwOffset = n
	s.pending.Add(1)
	ss.poller.write(fd, s.index, true)
	return true, nil
}

// SendLowPriority queues buf on the low priority list, which is only written
// while the high list is empty.
func (ss *Server) SendLowPriority(id ID, buf []byte) error {
	s := ss.slot(id)
	if ID(s.id.Load()) != id || s.state() == stateInvalid {
		return ErrStaleID
	}
	return ss.queueSend(s, opSendLow, id, buf)
}

// UDP creates a udp socket. With an empty host and zero port the socket is
// an unbound IPv4 socket.
func (ss *Server) UDP(opaque uint64, host string, port int) (ID, error) {
	var (
		fd     int
		family int
		err    error
	)
	if port != 0 || host != "" {
		fd, family, err = bindSocket(host, port, unix.SOCK_DGRAM)
		if err != nil {
			return -1, err
		}
	} else {
		family = unix.AF_INET
		fd, err = unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("socket: %w", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("socket: set nonblock: %w", err)
	}

	id, err := ss.reserveID()
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return id, ss.sendRequest(&request{op: opUDP, id: id, fd: int32(fd), port: int32(family), opaque: opaque})
}

// UDPSend sends a datagram to addr. Datagrams carry no ordering guarantee,
// so a failed direct send falls back to the I/O goroutine.
func (ss *Server) UDPSend(id ID, addr UDPAddress, buf []byte) error {
	s := ss.slot(id)
	if ID(s.id.Load()) != id || s.state() == stateInvalid {
		return ErrStaleID
	}
	if addr.Protocol() == ProtocolUnknown {
		return ErrInvalidAddress
	}

	l := s.newLock()
	if s.canDirectWrite(id) && l.TryLock() {
		if s.canDirectWrite(id) {
			sa := addr.sockaddr(uint8(s.protocol.Load()))
			if sa == nil {
				l.Unlock()
				return ErrTypeMismatch
			}
			if err := unix.Sendto(int(s.fd.Load()), buf, 0, sa); err == nil {
				ss.statWrite(s, len(buf))
				l.Unlock()
				return nil
			}
		}
		l.Unlock()
	}

	return ss.sendRequest(&request{op: opSendUDP, id: id, size: int32(len(buf)), token: ss.buffers.put(buf), addr: addr})
}

// UDPConnect sets the default peer of a udp socket used by Send.
func (ss *Server) UDPConnect(id ID, host string, port int) error {
	s := ss.slot(id)
	if ID(s.id.Load()) != id || s.state() == stateInvalid {
		return ErrStaleID
	}
	l := s.newLock()
	l.Lock()
	if ID(s.id.Load()) != id || s.state() == stateInvalid {
		l.Unlock()
		return ErrStaleID
	}
	s.udpConnecting.Add(1)
	l.Unlock()

	addrs, err := resolve(host, port)
	if err != nil {
		s.udpConnecting.Add(-1)
		return err
	}
	return ss.sendRequest(&request{op: opSetUDP, id: id, addr: udpAddressOf(addrs[0])})
}
