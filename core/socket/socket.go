// Package socket implements the event-driven socket server of the runtime.
//
// A single I/O goroutine owns the epoll instance and drives every socket
// state machine through Poll. Worker goroutines submit requests through a
// control pipe read exclusively by the I/O goroutine; the only shortcut is a
// direct write to an idle connected socket, taken under the socket's own
// spinlock.
//
// Sockets are addressed by an ID that increases for every new logical
// connection. The slot of an ID is ID mod capacity, and every operation
// checks that the slot still carries the requested ID before touching it, so
// a stale ID never reaches a socket that reused its slot.
package socket

import (
	"errors"
	"fmt"
)

// ID identifies one logical socket.
type ID int32

const (
	// DefaultCapacity is the default slot table size.
	DefaultCapacity = 1 << 16
	// MinReadBuffer is the floor and initial size of the adaptive read buffer.
	MinReadBuffer = 64
	// WarningSize is the first buffered-bytes watermark.
	WarningSize = 1024 * 1024

	maxEvent      = 64
	maxUDPPackage = 65535
)

const (
	stateInvalid uint32 = iota
	stateReserved
	statePListen
	stateListen
	stateConnecting
	stateConnected
	stateHalfClose
	statePAccept
	stateBind
)

var stateNames = [...]string{"invalid", "reserved", "plisten", "listen", "connecting", "connected", "halfclose", "paccept", "bind"}

func stateName(s uint32) string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Protocol of a socket, also the first byte of a UDPAddress.
const (
	ProtocolTCP     uint8 = 0
	ProtocolUDP     uint8 = 1
	ProtocolUDPv6   uint8 = 2
	ProtocolUnknown uint8 = 255
)

const (
	priorityHigh = iota
	priorityLow
)

var (
	ErrStaleID        = errors.New("socket: invalid or stale socket id")
	ErrNoSlot         = errors.New("socket: reach socket number limit")
	ErrInvalidAddress = errors.New("socket: invalid address")
	ErrTypeMismatch   = errors.New("socket: udp address type mismatch")
	ErrListenSocket   = errors.New("socket: write to listen socket")
)

// EventType is the kind of result returned by Poll.
type EventType int

const (
	EventData EventType = iota
	EventClose
	EventOpen
	EventAccept
	EventError
	EventExit
	EventUDP
	EventWarning
)

var eventNames = [...]string{"data", "close", "open", "accept", "error", "exit", "udp", "warning"}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one result of the I/O goroutine. Opaque is the tag the owner gave
// when it created or started the socket.
//
// UD depends on Type: the payload length for data and udp, the accepted
// socket's ID for accept, and the buffered kilobytes for warning (zero when
// the buffer drained).
type Event struct {
	Type   EventType
	ID     ID
	Opaque uint64
	UD     int
	Data   []byte
	// Text is the peer address for open and accept, or a status such as
	// "start", "transfer" or "binding".
	Text string
	Err  error
	// From is the sender of a udp datagram.
	From UDPAddress
}

func (e Event) String() string {
	return fmt.Sprintf("%s id=%d opaque=%d ud=%d", e.Type, e.ID, e.Opaque, e.UD)
}

// InfoType classifies a socket in Info.
type InfoType int

const (
	InfoListen InfoType = iota + 1
	InfoTCP
	InfoUDP
	InfoBind
)

var infoNames = [...]string{"", "LISTEN", "TCP", "UDP", "BIND"}

func (t InfoType) String() string {
	if int(t) < len(infoNames) {
		return infoNames[t]
	}
	return "UNKNOWN"
}

// Info is a snapshot of one socket. Times are in clock ticks as passed to
// UpdateTime.
type Info struct {
	ID        ID
	Type      InfoType
	Opaque    uint64
	Read      uint64
	Write     uint64
	ReadTime  uint64
	WriteTime uint64
	Buffered  int64
	Name      string
}
