package socket

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const (
	udpAddressV4Size = 1 + 2 + 4
	udpAddressV6Size = 1 + 2 + 16
)

// UDPAddress is the compact peer encoding carried by udp events and sends:
// one protocol byte, the port in network order, then the 4 or 16 byte IP.
type UDPAddress []byte

// NewUDPAddress encodes ip and port. IPv4 addresses, including IPv4-mapped
// IPv6 ones, use the short form.
func NewUDPAddress(ip net.IP, port int) UDPAddress {
	if ip4 := ip.To4(); ip4 != nil {
		a := make(UDPAddress, udpAddressV4Size)
		a[0] = ProtocolUDP
		binary.BigEndian.PutUint16(a[1:], uint16(port))
		copy(a[3:], ip4)
		return a
	}
	a := make(UDPAddress, udpAddressV6Size)
	a[0] = ProtocolUDPv6
	binary.BigEndian.PutUint16(a[1:], uint16(port))
	copy(a[3:], ip.To16())
	return a
}

// Protocol returns ProtocolUDP or ProtocolUDPv6, or ProtocolUnknown for a
// malformed address.
func (a UDPAddress) Protocol() uint8 {
	if len(a) == 0 {
		return ProtocolUnknown
	}
	switch {
	case a[0] == ProtocolUDP && len(a) >= udpAddressV4Size:
		return ProtocolUDP
	case a[0] == ProtocolUDPv6 && len(a) >= udpAddressV6Size:
		return ProtocolUDPv6
	}
	return ProtocolUnknown
}

func (a UDPAddress) size() int {
	switch a.Protocol() {
	case ProtocolUDP:
		return udpAddressV4Size
	case ProtocolUDPv6:
		return udpAddressV6Size
	}
	return 0
}

func (a UDPAddress) Port() int {
	if a.Protocol() == ProtocolUnknown {
		return 0
	}
	return int(binary.BigEndian.Uint16(a[1:]))
}

func (a UDPAddress) IP() net.IP {
	switch a.Protocol() {
	case ProtocolUDP:
		return net.IP(append([]byte(nil), a[3:7]...))
	case ProtocolUDPv6:
		return net.IP(append([]byte(nil), a[3:19]...))
	}
	return nil
}

func (a UDPAddress) String() string {
	if a.Protocol() == ProtocolUnknown {
		return ""
	}
	return fmt.Sprintf("%s:%d", a.IP(), a.Port())
}

// sockaddr converts a to a destination for a socket of the given protocol.
// It returns nil when the address family does not match.
func (a UDPAddress) sockaddr(protocol uint8) unix.Sockaddr {
	p := a.Protocol()
	if p == ProtocolUnknown || p != protocol {
		return nil
	}
	port := a.Port()
	if p == ProtocolUDP {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], a[3:7])
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], a[3:19])
	return sa
}

func udpAddressOf(sa unix.Sockaddr) UDPAddress {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return NewUDPAddress(net.IP(sa.Addr[:]), sa.Port)
	case *unix.SockaddrInet6:
		a := make(UDPAddress, udpAddressV6Size)
		a[0] = ProtocolUDPv6
		binary.BigEndian.PutUint16(a[1:], uint16(sa.Port))
		copy(a[3:], sa.Addr[:])
		return a
	}
	return nil
}

// sockaddrIP returns the textual IP of sa without the port.
func sockaddrIP(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:]).String()
	}
	return ""
}

// sockaddrName returns "ip:port" for sa.
func sockaddrName(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(sa.Addr[:]), sa.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("%s:%d", net.IP(sa.Addr[:]), sa.Port)
	}
	return ""
}

// resolve returns the socket addresses of host:port in resolver order.
func resolve(host string, port int) ([]unix.Sockaddr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	out := make([]unix.Sockaddr, 0, len(ips))
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			out = append(out, sa)
			continue
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.IP.To16())
		out = append(out, sa)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no address for %q", ErrInvalidAddress, host)
	}
	return out, nil
}

func sockaddrFamily(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// bindSocket creates a socket of the given type bound to host:port with
// SO_REUSEADDR. An empty host binds every IPv4 address.
func bindSocket(host string, port int, sotype int) (fd int, family int, err error) {
	if host == "" {
		host = "0.0.0.0"
	}
	addrs, err := resolve(host, port)
	if err != nil {
		return -1, 0, err
	}
	sa := addrs[0]
	family = sockaddrFamily(sa)
	fd, err = unix.Socket(family, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	return fd, family, nil
}

func listenSocket(host string, port, backlog int) (int, error) {
	fd, _, err := bindSocket(host, port, unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

func keepalive(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}
