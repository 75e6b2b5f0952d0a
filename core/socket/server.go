package socket

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type Options struct {
	// Capacity is the slot table size, rounded up to a power of two.
	Capacity int
	Logger   *slog.Logger
}

// Server is the socket server. Poll must be called from a single goroutine;
// every other exported method is safe for concurrent use.
type Server struct {
	log      *slog.Logger
	slots    []slot
	mask     int32
	tagShift uint

	allocID atomic.Int32
	time    atomic.Uint64
	buffers *bufferTable

	poller   *poller
	recvCtrl int
	sendCtrl int

	// owned by the I/O goroutine
	checkCtrl  bool
	events     []event
	eventN     int
	eventIndex int
	udpBuffer  []byte
}

func New(opts Options) (*Server, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	capBits := bits.Len(uint(opts.Capacity - 1))
	capacity := 1 << capBits

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("socket: create event pool: %w", err)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		_ = p.close()
		return nil, fmt.Errorf("socket: create control pipe: %w", err)
	}
	if err := p.add(fds[0], pipeTag); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = p.close()
		return nil, fmt.Errorf("socket: add control pipe to event pool: %w", err)
	}

	ss := &Server{
		log:       opts.Logger.With(slog.String("component", "socket")),
		slots:     make([]slot, capacity),
		mask:      int32(capacity - 1),
		tagShift:  uint(capBits),
		buffers:   newBufferTable(),
		poller:    p,
		recvCtrl:  fds[0],
		sendCtrl:  fds[1],
		checkCtrl: true,
		events:    make([]event, maxEvent),
		udpBuffer: make([]byte, maxUDPPackage),
	}
	for i := range ss.slots {
		ss.slots[i].index = int32(i)
		ss.slots[i].fd.Store(-1)
	}
	return ss, nil
}

// Release closes every socket and the server's own descriptors. It must only
// be called after the I/O goroutine stopped polling.
func (ss *Server) Release() {
	for i := range ss.slots {
		s := &ss.slots[i]
		if s.state() != stateReserved {
			l := s.newLock()
			ss.forceClose(s, &l)
		}
	}
	ss.buffers.clear()
	_ = unix.Close(ss.sendCtrl)
	_ = unix.Close(ss.recvCtrl)
	_ = ss.poller.close()
}

// UpdateTime sets the clock used for socket statistics.
func (ss *Server) UpdateTime(now uint64) { ss.time.Store(now) }

// Capacity returns the number of slots.
func (ss *Server) Capacity() int { return len(ss.slots) }

func (ss *Server) slot(id ID) *slot { return &ss.slots[int32(id)&ss.mask] }

func (ss *Server) lookup(tag int32) *slot {
	if tag < 0 || int(tag) >= len(ss.slots) {
		return nil
	}
	return &ss.slots[tag]
}

func (ss *Server) tag(id ID) uint32 { return uint32(id>>ss.tagShift) & 0xffff }

// reserveID claims a free slot for a new id. Ids increase monotonically and
// wrap to stay non-negative.
func (ss *Server) reserveID() (ID, error) {
	for i := 0; i < len(ss.slots); i++ {
		id := ss.allocID.Add(1)
		if id < 0 {
			id = ss.allocID.And(0x7fffffff) & 0x7fffffff
		}
		s := ss.slot(ID(id))
		if s.state() == stateInvalid {
			if s.typ.CompareAndSwap(stateInvalid, stateReserved) {
				s.id.Store(id)
				s.protocol.Store(uint32(ProtocolUnknown))
				// a udp connect may count on the slot before the I/O
				// goroutine initializes it
				s.udpConnecting.Store(0)
				s.fd.Store(-1)
				return ID(id), nil
			}
			i--
		}
	}
	return -1, ErrNoSlot
}

// newFD initializes a reserved slot. With add set the descriptor is watched
// for reading right away.
func (ss *Server) newFD(id ID, fd int, protocol uint8, opaque uint64, add bool) (*slot, error) {
	s := ss.slot(id)
	if st := s.state(); st != stateReserved {
		return nil, fmt.Errorf("socket: slot of %d is %s, want reserved", id, stateName(st))
	}
	if add {
		if err := ss.poller.add(fd, s.index); err != nil {
			s.typ.Store(stateInvalid)
			return nil, err
		}
	}

	l := s.newLock()
	l.Lock()
	s.id.Store(int32(id))
	s.fd.Store(int32(fd))
	s.sending.Store(ss.tag(id) << 16)
	s.protocol.Store(uint32(protocol))
	s.opaque.Store(opaque)
	s.readSize = MinReadBuffer
	s.warnSize = 0
	s.freeLists()
	s.udpAddr = nil
	s.stat.reset()
	l.Unlock()
	return s, nil
}

// forceClose tears the socket down. The returned event carries the id and
// opaque; the caller sets the type.
func (ss *Server) forceClose(s *slot, l *socketLock) Event {
	ev := Event{ID: ID(s.id.Load()), Opaque: s.opaque.Load()}
	st := s.state()
	if st == stateInvalid {
		return ev
	}
	if st == stateReserved {
		panic(fmt.Sprintf("socket: force close of reserved slot %d", ev.ID))
	}
	fd := int(s.fd.Load())
	if st != statePAccept && st != statePListen {
		ss.poller.del(fd)
	}

	l.Lock()
	s.freeLists()
	if st != stateBind {
		if err := unix.Close(fd); err != nil {
			ss.log.Error("close socket", slog.Int("id", int(ev.ID)), slog.Any("error", err))
		}
	}
	s.typ.Store(stateInvalid)
	l.Unlock()
	return ev
}

func (ss *Server) statRead(s *slot, n int) {
	s.stat.read.Add(uint64(n))
	s.stat.rtime.Store(ss.time.Load())
}

func (ss *Server) statWrite(s *slot, n int) {
	s.stat.write.Add(uint64(n))
	s.stat.wtime.Store(ss.time.Load())
}

func (ss *Server) sendRequest(r *request) error {
	pkg, err := r.encode()
	if err != nil {
		return err
	}
	return writeRequest(ss.sendCtrl, pkg)
}

// Info returns a snapshot of every listening, connected and bound socket.
func (ss *Server) Info() []Info {
	var out []Info
	for i := range ss.slots {
		s := &ss.slots[i]
		if s.state() == stateInvalid {
			continue
		}
		id := s.id.Load()
		l := s.newLock()
		l.Lock()
		si, ok := ss.queryInfo(s)
		l.Unlock()
		// the slot may have been reused meanwhile
		if ok && s.id.Load() == id {
			out = append(out, si)
		}
	}
	return out
}

func (ss *Server) queryInfo(s *slot) (Info, bool) {
	var si Info
	fd := int(s.fd.Load())
	switch s.state() {
	case stateBind:
		si.Type = InfoBind
	case stateListen:
		si.Type = InfoListen
		if sa, err := unix.Getsockname(fd); err == nil {
			si.Name = sockaddrName(sa)
		}
	case stateConnected:
		if uint8(s.protocol.Load()) == ProtocolTCP {
			si.Type = InfoTCP
			if sa, err := unix.Getpeername(fd); err == nil {
				si.Name = sockaddrName(sa)
			}
		} else {
			si.Type = InfoUDP
			si.Name = s.udpAddr.String()
		}
	default:
		return si, false
	}
	si.ID = ID(s.id.Load())
	si.Opaque = s.opaque.Load()
	si.Read = s.stat.read.Load()
	si.Write = s.stat.write.Load()
	si.ReadTime = s.stat.rtime.Load()
	si.WriteTime = s.stat.wtime.Load()
	si.Buffered = s.wbSize.Load()
	return si, true
}
