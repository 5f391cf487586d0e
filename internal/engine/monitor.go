package engine

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	monitorInterval     = 10 * time.Second
	monitorDialTimeout  = 5 * time.Second
	monitorFailureLimit = 3
)

// Monitor proactively checks the underlying network transport, separate
// from the watchdog's DNS-level probing: it periodically opens a protected
// UDP socket toward the default real resolver. Repeated failure forces a
// tunnel teardown through the callback, feeding the reconnect path.
type Monitor struct {
	target    netip.AddrPort
	protect   func(fd int) error
	onFailure func()

	interval time.Duration
	failures int
}

func NewMonitor(target netip.AddrPort, protect func(fd int) error, onFailure func()) *Monitor {
	return &Monitor{
		target:    target,
		protect:   protect,
		onFailure: onFailure,
		interval:  monitorInterval,
	}
}

// Run blocks until ctx is cancelled, probing on its own schedule.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if err := m.probe(ctx); err != nil {
		m.failures++
		log.Warnf("Connection monitor probe failed (%d/%d): %v", m.failures, monitorFailureLimit, err)
		if m.failures >= monitorFailureLimit {
			m.failures = 0
			log.Errorf("Network transport considered lost, forcing tunnel teardown")
			m.onFailure()
		}
		return
	}

	if m.failures > 0 {
		log.Debugf("Connection monitor recovered after %d failure(s)", m.failures)
	}
	m.failures = 0
}

// probe opens a protected UDP socket to the target and sends one empty
// datagram. For UDP this verifies local routing and addressability, which
// is exactly the transport-level signal we want.
func (m *Monitor) probe(ctx context.Context) error {
	dialer := &net.Dialer{
		Timeout: monitorDialTimeout,
		Control: func(network, address string, c syscall.RawConn) error {
			if m.protect == nil {
				return nil
			}
			var protectErr error
			if err := c.Control(func(fd uintptr) {
				protectErr = m.protect(int(fd))
			}); err != nil {
				return err
			}
			return protectErr
		},
	}

	conn, err := dialer.DialContext(ctx, "udp", m.target.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write(nil)
	return err
}
