//go:build linux

package netutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking, close-on-exec IPv4 listening socket
// bound to addr. SO_REUSEADDR is always set; SO_REUSEPORT is set when
// reusePort is true.
func Listen(addr Addr, reusePort bool) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("netutil: SO_REUSEPORT: %w", err)
		}
	}

	sa := toSockaddr(addr)
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind %s: %w", addr, err)
	}
	const backlog = 1024
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

// Accept4 accepts a connection on the listening fd, returning a
// non-blocking, close-on-exec peer socket and its address. Returns
// unix.EAGAIN when there is nothing to accept.
func Accept4(listenFD int) (fd int, peer Addr, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Addr{}, err
	}
	peer = fromSockaddr(sa)
	if err := unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		unix.Close(nfd)
		return -1, Addr{}, fmt.Errorf("netutil: SO_KEEPALIVE: %w", err)
	}
	return nfd, peer, nil
}

// Connect opens a blocking connect to addr, for use by test clients and
// the library's own test harness (the core itself never initiates
// outbound connections).
func Connect(addr Addr) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err = unix.Connect(fd, toSockaddr(addr)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// SetTCPNoDelay enables or disables Nagle's algorithm on fd.
func SetTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// LocalAddr returns the local endpoint bound to fd.
func LocalAddr(fd int) (Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Addr{}, err
	}
	return fromSockaddr(sa), nil
}

// PeerAddr returns the remote endpoint connected to fd.
func PeerAddr(fd int) (Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return Addr{}, err
	}
	return fromSockaddr(sa), nil
}

// ShutdownWrite half-closes the write side of fd.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// SocketError returns the pending SO_ERROR value on fd, or nil if none.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return unix.Errno(v)
}

func toSockaddr(a Addr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(a.Port())}
	sa.Addr = a.IPBytes()
	return sa
}

func fromSockaddr(sa unix.Sockaddr) Addr {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return Addr{}
	}
	a := Addr{port: uint16(in4.Port)}
	a.ip = in4.Addr
	return a
}
