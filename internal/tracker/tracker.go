// Package tracker forwards raw DNS queries to real resolvers over
// per-query non-blocking UDP sockets and hands responses back through the
// event loop's poll set.
package tracker

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	// Queries unanswered for this long are evicted and their sockets
	// closed; the client retries on its own schedule.
	queryTimeout = 10 * time.Second

	responseBufferSize = 4096
)

// ProtectFunc marks a socket so its traffic bypasses the tunnel.
type ProtectFunc func(fd int) error

// Callback receives the raw response payload for one query. It is invoked
// at most once, after the query has already been removed from the tracker.
type Callback func(resp []byte)

type pendingQuery struct {
	fd       int
	callback Callback
	sentAt   time.Time
}

// Tracker owns one socket per in-flight query. All methods are safe for
// concurrent use, though in practice only the event loop thread calls them.
type Tracker struct {
	mu      sync.Mutex
	protect ProtectFunc
	queries map[int]*pendingQuery

	now func() time.Time // test hook
}

func New(protect ProtectFunc) *Tracker {
	return &Tracker{
		protect: protect,
		queries: make(map[int]*pendingQuery),
		now:     time.Now,
	}
}

// Send forwards payload to dest on a fresh non-blocking UDP socket and
// registers callback for the response. Transient send errors drop the
// query silently (the client will retry); errors that indicate permanent
// denial are escalated, since retrying cannot succeed without external
// state change.
func (t *Tracker) Send(dest netip.AddrPort, payload []byte, callback Callback) error {
	family := unix.AF_INET
	if dest.Addr().Is6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return cerrors.NewUpstreamError("failed to create query socket", err)
	}

	if t.protect != nil {
		if err := t.protect(fd); err != nil {
			unix.Close(fd)
			return cerrors.NewUpstreamError("failed to protect query socket", err)
		}
	}

	if err := unix.Sendto(fd, payload, 0, sockaddrFor(dest)); err != nil {
		unix.Close(fd)
		if err == unix.ENETUNREACH || err == unix.EACCES || err == unix.EPERM {
			return cerrors.NewUpstreamError("query send permanently denied", err)
		}
		log.Debugf("Dropping query to %s: send failed: %v", dest, err)
		return nil
	}

	t.mu.Lock()
	t.queries[fd] = &pendingQuery{
		fd:       fd,
		callback: callback,
		sentAt:   t.now(),
	}
	t.mu.Unlock()

	return nil
}

// Descriptors returns a poll descriptor for every in-flight query.
func (t *Tracker) Descriptors() []unix.PollFd {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := make([]unix.PollFd, 0, len(t.queries))
	for fd := range t.queries {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

// Pump reads every readable descriptor in fds, removing the query and
// closing its socket before invoking the callback, so a callback that
// re-enters the tracker observes consistent state and no response is
// delivered twice. It also evicts queries older than the query timeout.
func (t *Tracker) Pump(fds []unix.PollFd) {
	for _, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}

		t.mu.Lock()
		query, exists := t.queries[int(pfd.Fd)]
		if exists {
			delete(t.queries, int(pfd.Fd))
		}
		t.mu.Unlock()

		if !exists {
			continue
		}

		buf := make([]byte, responseBufferSize)
		n, _, err := unix.Recvfrom(query.fd, buf, 0)
		unix.Close(query.fd)

		if err != nil {
			log.Debugf("Dropping query response: recv failed: %v", err)
			continue
		}

		query.callback(buf[:n])
	}

	t.evictStale()
}

// evictStale drops queries the resolver never answered.
func (t *Tracker) evictStale() {
	deadline := t.now().Add(-queryTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	for fd, query := range t.queries {
		if query.sentAt.Before(deadline) {
			log.Debugf("Evicting unanswered query (fd %d)", fd)
			unix.Close(fd)
			delete(t.queries, fd)
		}
	}
}

// Pending returns the number of in-flight queries.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries)
}

// Close drops all in-flight queries and closes their sockets.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fd := range t.queries {
		unix.Close(fd)
		delete(t.queries, fd)
	}
}

func sockaddrFor(dest netip.AddrPort) unix.Sockaddr {
	if dest.Addr().Is6() {
		return &unix.SockaddrInet6{
			Port: int(dest.Port()),
			Addr: dest.Addr().As16(),
		}
	}
	return &unix.SockaddrInet4{
		Port: int(dest.Port()),
		Addr: dest.Addr().As4(),
	}
}
