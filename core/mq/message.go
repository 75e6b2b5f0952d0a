package mq

import "fmt"

// Handle names a service. The queue layer only compares and hashes it.
type Handle uint32

func (h Handle) String() string { return fmt.Sprintf(":%08x", uint32(h)) }

// Kind is the message protocol type.
type Kind uint8

const (
	KindText Kind = iota
	KindResponse
	KindMulticast
	KindClient
	KindSystem
	KindHarbor
	KindSocket
	KindError
)

// KindShift is the bit position of the kind in a packed size field.
const KindShift = 56

var kindNames = [...]string{"text", "response", "multicast", "client", "system", "harbor", "socket", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the unit of work delivered to a service.
//
// Ownership of Data and Value moves with the message: the producer gives it up
// on Push, and the consumer that pops it must either use or discard it.
type Message struct {
	Source  Handle
	Session int32
	Kind    Kind
	Data    []byte
	Value   any
}

// Size returns the payload length with the kind packed into the high bits.
func (m Message) Size() uint64 {
	return uint64(len(m.Data)) | uint64(m.Kind)<<KindShift
}
