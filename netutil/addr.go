// Package netutil provides the IPv4 endpoint value type, the monotonic
// Timestamp type, and the raw socket-option helpers the reactor core
// builds on.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// Addr is an immutable IPv4 endpoint: a 32-bit address and a 16-bit port,
// both kept in host byte order and converted to network byte order only
// at the syscall boundary (see toSockaddr in sockopt.go).
type Addr struct {
	ip   [4]byte
	port uint16
}

// NewAddr builds an Addr bound to the given port. If loopbackOnly is
// true the address is 127.0.0.1, otherwise INADDR_ANY (0.0.0.0).
func NewAddr(port uint16, loopbackOnly bool) Addr {
	a := Addr{port: port}
	if loopbackOnly {
		a.ip = [4]byte{127, 0, 0, 1}
	}
	return a
}

// NewAddrFromIP builds an Addr from a dotted-quad IPv4 string and a port.
func NewAddrFromIP(ip string, port uint16) (Addr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Addr{}, fmt.Errorf("netutil: invalid IPv4 address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return Addr{}, fmt.Errorf("netutil: %q is not an IPv4 address", ip)
	}
	a := Addr{port: port}
	copy(a.ip[:], v4)
	return a, nil
}

// Resolve performs a blocking DNS lookup of host and returns its first
// IPv4 address bound to port. Callers are expected to invoke this outside
// a loop's goroutine, or accept the latency — the core does not provide
// an async resolver.
func Resolve(host string, port uint16) (Addr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return Addr{}, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			a := Addr{port: port}
			copy(a.ip[:], v4)
			return a, nil
		}
	}
	return Addr{}, fmt.Errorf("netutil: %q has no IPv4 address", host)
}

// IP returns the dotted-quad IPv4 address.
func (a Addr) IP() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.ip[0], a.ip[1], a.ip[2], a.ip[3])
}

// Port returns the port number in host byte order.
func (a Addr) Port() uint16 { return a.port }

// String renders "ip:port".
func (a Addr) String() string {
	return a.IP() + ":" + strconv.Itoa(int(a.Port()))
}

// IPBytes returns the raw 4-byte IPv4 address, host-ordered octets.
func (a Addr) IPBytes() [4]byte { return a.ip }
