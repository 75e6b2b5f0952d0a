package socket

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/codewandler/svcrt/core/spinlock"
)

// Control opcodes.
const (
	opStart    = 'S'
	opBind     = 'B'
	opListen   = 'L'
	opClose    = 'K'
	opOpen     = 'O'
	opExit     = 'X'
	opSendHigh = 'D'
	opSendLow  = 'P'
	opSendUDP  = 'A'
	opSetOpt   = 'T'
	opUDP      = 'U'
	opSetUDP   = 'C'
)

const (
	// requestReserved is the unused prefix of a request package. Only the
	// opcode, the length byte and the payload go through the pipe.
	requestReserved = 6
	requestHeader   = requestReserved + 2
	maxPayload      = 255
)

var errMalformedRequest = errors.New("socket: malformed control request")

// request is the decoded form of every control record. Each opcode uses a
// fixed subset of the fields.
type request struct {
	op       byte
	id       ID
	fd       int32
	port     int32 // port for open, family for udp, option for setopt
	value    int32
	size     int32
	opaque   uint64
	token    uint64
	shutdown bool
	host     string
	addr     UDPAddress
}

type packer struct{ b []byte }

func (p *packer) i32(v int32)  { p.b = binary.LittleEndian.AppendUint32(p.b, uint32(v)) }
func (p *packer) u64(v uint64) { p.b = binary.LittleEndian.AppendUint64(p.b, v) }
func (p *packer) bytes(v []byte) {
	p.b = append(p.b, v...)
}

type unpacker struct {
	b   []byte
	err error
}

func (u *unpacker) take(n int) []byte {
	if u.err != nil || len(u.b) < n {
		u.err = errMalformedRequest
		return make([]byte, n)
	}
	v := u.b[:n]
	u.b = u.b[n:]
	return v
}

func (u *unpacker) i32() int32  { return int32(binary.LittleEndian.Uint32(u.take(4))) }
func (u *unpacker) u64() uint64 { return binary.LittleEndian.Uint64(u.take(8)) }
func (u *unpacker) rest() []byte {
	v := u.b
	u.b = nil
	return v
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// encode returns the full request package: the reserved prefix, the opcode,
// the payload length and the payload.
func (r *request) encode() ([]byte, error) {
	p := packer{b: make([]byte, requestHeader, requestHeader+32)}
	switch r.op {
	case opStart:
		p.i32(int32(r.id))
		p.u64(r.opaque)
	case opBind, opListen:
		p.i32(int32(r.id))
		p.i32(r.fd)
		p.u64(r.opaque)
	case opClose:
		p.i32(int32(r.id))
		p.i32(boolInt(r.shutdown))
		p.u64(r.opaque)
	case opOpen:
		p.i32(int32(r.id))
		p.i32(r.port)
		p.u64(r.opaque)
		p.bytes([]byte(r.host))
	case opExit:
	case opSendHigh, opSendLow:
		p.i32(int32(r.id))
		p.i32(r.size)
		p.u64(r.token)
	case opSendUDP:
		p.i32(int32(r.id))
		p.i32(r.size)
		p.u64(r.token)
		p.bytes(r.addr[:r.addr.size()])
	case opSetOpt:
		p.i32(int32(r.id))
		p.i32(r.port)
		p.i32(r.value)
	case opUDP:
		p.i32(int32(r.id))
		p.i32(r.fd)
		p.i32(r.port)
		p.u64(r.opaque)
	case opSetUDP:
		p.i32(int32(r.id))
		p.bytes(r.addr[:r.addr.size()])
	default:
		return nil, fmt.Errorf("%w: opcode %q", errMalformedRequest, r.op)
	}

	n := len(p.b) - requestHeader
	if n > maxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidAddress, n)
	}
	p.b[requestReserved] = r.op
	p.b[requestReserved+1] = byte(n)
	return p.b, nil
}

func decodeRequest(op byte, payload []byte) (request, error) {
	r := request{op: op}
	u := unpacker{b: payload}
	switch op {
	case opStart:
		r.id = ID(u.i32())
		r.opaque = u.u64()
	case opBind, opListen:
		r.id = ID(u.i32())
		r.fd = u.i32()
		r.opaque = u.u64()
	case opClose:
		r.id = ID(u.i32())
		r.shutdown = u.i32() != 0
		r.opaque = u.u64()
	case opOpen:
		r.id = ID(u.i32())
		r.port = u.i32()
		r.opaque = u.u64()
		r.host = string(u.rest())
	case opExit:
	case opSendHigh, opSendLow:
		r.id = ID(u.i32())
		r.size = u.i32()
		r.token = u.u64()
	case opSendUDP:
		r.id = ID(u.i32())
		r.size = u.i32()
		r.token = u.u64()
		r.addr = UDPAddress(append([]byte(nil), u.rest()...))
	case opSetOpt:
		r.id = ID(u.i32())
		r.port = u.i32()
		r.value = u.i32()
	case opUDP:
		r.id = ID(u.i32())
		r.fd = u.i32()
		r.port = u.i32()
		r.opaque = u.u64()
	case opSetUDP:
		r.id = ID(u.i32())
		r.addr = UDPAddress(append([]byte(nil), u.rest()...))
	default:
		return r, fmt.Errorf("%w: unknown opcode %q", errMalformedRequest, op)
	}
	return r, u.err
}

// bufferTable hands send buffers from workers to the I/O goroutine. The pipe
// carries the token; the buffer stays in process memory.
type bufferTable struct {
	lock spinlock.Lock
	next uint64
	bufs map[uint64][]byte
}

func newBufferTable() *bufferTable {
	return &bufferTable{bufs: make(map[uint64][]byte)}
}

func (t *bufferTable) put(b []byte) uint64 {
	t.lock.Lock()
	t.next++
	tok := t.next
	t.bufs[tok] = b
	t.lock.Unlock()
	return tok
}

func (t *bufferTable) take(tok uint64) []byte {
	t.lock.Lock()
	b := t.bufs[tok]
	delete(t.bufs, tok)
	t.lock.Unlock()
	return b
}

func (t *bufferTable) len() int {
	t.lock.Lock()
	n := len(t.bufs)
	t.lock.Unlock()
	return n
}

func (t *bufferTable) clear() {
	t.lock.Lock()
	clear(t.bufs)
	t.lock.Unlock()
}

// writeRequest writes one package to the control pipe in a single write, so
// concurrent writers never interleave.
func writeRequest(fd int, pkg []byte) error {
	for {
		n, err := unix.Write(fd, pkg[requestReserved:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("socket: send ctrl command: %w", err)
		}
		if n != len(pkg)-requestReserved {
			return fmt.Errorf("socket: short ctrl write %d", n)
		}
		return nil
	}
}

func readFull(fd int, buf []byte) error {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("socket: read pipe: %w", err)
		}
		if n != len(buf) {
			return fmt.Errorf("socket: short pipe read %d of %d", n, len(buf))
		}
		return nil
	}
}

// readRequest reads one request from the control pipe.
func readRequest(fd int) (request, error) {
	var header [2]byte
	if err := readFull(fd, header[:]); err != nil {
		return request{}, err
	}
	var payload [maxPayload]byte
	n := int(header[1])
	if n > 0 {
		if err := readFull(fd, payload[:n]); err != nil {
			return request{}, err
		}
	}
	return decodeRequest(header[0], payload[:n])
}
