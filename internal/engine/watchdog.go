package engine

import (
	"net/netip"
	"time"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	watchdogInitialTimeout = 1 * time.Second
	watchdogTimeoutGrowth  = 4
	watchdogMaxTimeout     = 250 * time.Second

	dnsProbePort = 53
)

// Watchdog supplies the event loop's poll timeout and probes upstream
// liveness on idle ticks. A probe that stays unanswered past the next tick
// declares the session network-failed.
type Watchdog struct {
	enabled bool
	target  netip.Addr

	pollTimeout  time.Duration
	lastReceived time.Time
	lastProbe    time.Time

	// sendProbe ships one empty datagram to the target through a
	// protected socket.
	sendProbe func(dest netip.AddrPort) error

	now func() time.Time // test hook
}

// NewWatchdog creates a watchdog probing target. When not enabled, the
// loop blocks without timeout and no probes are sent.
func NewWatchdog(enabled bool, target netip.Addr, sendProbe func(dest netip.AddrPort) error) *Watchdog {
	return &Watchdog{
		enabled:     enabled,
		target:      target,
		pollTimeout: watchdogInitialTimeout,
		sendProbe:   sendProbe,
		now:         time.Now,
	}
}

// PollTimeout returns the poll timeout in milliseconds, -1 when disabled.
func (w *Watchdog) PollTimeout() int {
	if !w.enabled {
		return -1
	}
	return int(w.pollTimeout / time.Millisecond)
}

// HandlePacket records tunnel activity: the link is alive, reset the
// probing cadence.
func (w *Watchdog) HandlePacket() {
	if !w.enabled {
		return
	}
	w.lastReceived = w.now()
	w.pollTimeout = watchdogInitialTimeout
}

// HandleTimeout is called when poll expired with nothing ready. If the
// previous probe was sent after the last received frame, the upstream is
// unreachable; otherwise send a new probe and back the cadence off.
func (w *Watchdog) HandleTimeout() error {
	if !w.enabled {
		return nil
	}

	if !w.lastProbe.IsZero() && w.lastProbe.After(w.lastReceived) {
		return cerrors.NewUpstreamError("watchdog timed out waiting for upstream", nil)
	}

	log.Debugf("Watchdog probing %s (next tick in %s)", w.target, w.pollTimeout)
	if err := w.sendProbe(netip.AddrPortFrom(w.target, dnsProbePort)); err != nil {
		log.Warnf("Watchdog probe failed: %v", err)
	}
	w.lastProbe = w.now()

	if w.pollTimeout < watchdogMaxTimeout {
		w.pollTimeout *= watchdogTimeoutGrowth
		if w.pollTimeout > watchdogMaxTimeout {
			w.pollTimeout = watchdogMaxTimeout
		}
	}
	return nil
}
