//go:build !linux

package netutil

import "errors"

// ErrUnsupportedPlatform is returned by every syscall-backed helper on
// platforms other than Linux. The core's readiness multiplexing targets
// POSIX epoll; Windows is acknowledged by the design but not implemented
// here (see spec §1 Non-goals).
var ErrUnsupportedPlatform = errors.New("netutil: unsupported platform, build on linux")

func Listen(addr Addr, reusePort bool) (int, error)   { return -1, ErrUnsupportedPlatform }
func Accept4(listenFD int) (int, Addr, error)          { return -1, Addr{}, ErrUnsupportedPlatform }
func Connect(addr Addr) (int, error)                  { return -1, ErrUnsupportedPlatform }
func SetTCPNoDelay(fd int, on bool) error              { return ErrUnsupportedPlatform }
func LocalAddr(fd int) (Addr, error)                   { return Addr{}, ErrUnsupportedPlatform }
func PeerAddr(fd int) (Addr, error)                    { return Addr{}, ErrUnsupportedPlatform }
func ShutdownWrite(fd int) error                       { return ErrUnsupportedPlatform }
func SocketError(fd int) error                         { return ErrUnsupportedPlatform }
