//go:build linux

package reactor

// NewDefaultPoller returns the preferred Poller for this platform:
// epoll on Linux, which scales to large fd counts without the
// linear per-call rescan poll(2) and select(2) require.
func NewDefaultPoller() (Poller, error) {
	return NewEpollPoller()
}
