package engine

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/dnsmapper"
	"github.com/dnsfence/dnsfence/internal/log"
	"github.com/dnsfence/dnsfence/internal/policy"
	"github.com/dnsfence/dnsfence/internal/proxy"
	"github.com/dnsfence/dnsfence/internal/redirect"
	"github.com/dnsfence/dnsfence/internal/tracker"
	"github.com/dnsfence/dnsfence/internal/tundev"
	"github.com/dnsfence/dnsfence/internal/upstream"
)

const poolQueueDepth = 64

// Supervisor owns at most one live worker/monitor pair and exposes the
// start/stop/status surface used by the CLI and the control API.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *config.Config
	store   *policy.Store
	session *session
}

// Status is the externally visible engine state.
type Status struct {
	State       SessionState `json:"state"`
	Enabled     bool         `json:"enabled"`
	FakeDNS     []string     `json:"fake_dns,omitempty"`
	ExactHosts  int          `json:"exact_hosts"`
	WildcardPat int          `json:"wildcard_patterns"`
}

func NewSupervisor(cfg *config.Config, store *policy.Store) *Supervisor {
	return &Supervisor{cfg: cfg, store: store}
}

// Start brings the engine up. Idempotent: a second Start while a live
// instance exists is a no-op.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		log.Debugf("Engine already running, ignoring start")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		sup:    s,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sess.fsm = NewFSM(func(state SessionState) {
		s.persistState(true, state)
	})
	s.session = sess

	go sess.run(ctx)
	return nil
}

// Stop tears the engine down: closes the tun descriptor to unblock poll,
// cancels the workers and joins. Idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil {
		s.persistState(false, StateStopped)
		return nil
	}

	sess.cancel()
	sess.closeDevice()
	<-sess.done

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()

	s.persistState(false, StateStopped)
	return nil
}

// Shutdown stops a live session without clearing the enabled flag, so a
// daemon restart can restore whatever the user last asked for.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.cancel()
	sess.closeDevice()
	<-sess.done

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()
	return nil
}

// IsRunning reports whether a live instance exists.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Store exposes the policy store for one-shot lookups.
func (s *Supervisor) Store() *policy.Store {
	return s.store
}

// Status reads the engine state. When no live instance exists but the
// persisted state still says otherwise (process was killed mid-session),
// the stale record is repaired to STOPPED.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	exact, wildcard := s.store.Stats()
	status := Status{
		State:       StateStopped,
		ExactHosts:  exact,
		WildcardPat: wildcard,
	}

	if sess != nil {
		status.State = sess.fsm.Current()
		status.Enabled = true
		for _, fake := range sess.fakeAddresses() {
			status.FakeDNS = append(status.FakeDNS, fake.String())
		}
		return status
	}

	persisted, err := config.ReadState(s.cfg.GetStateFile())
	if err == nil {
		status.Enabled = persisted.Enabled
		if persisted.SessionState != "" && persisted.SessionState != string(StateStopped) {
			log.Warnf("Repairing stale persisted state %q", persisted.SessionState)
			s.persistState(persisted.Enabled, StateStopped)
		}
	}
	return status
}

func (s *Supervisor) persistState(enabled bool, state SessionState) {
	err := config.WriteState(s.cfg.GetStateFile(), &config.PersistedState{
		Enabled:      enabled,
		SessionState: string(state),
	})
	if err != nil {
		log.Warnf("Failed to persist engine state: %v", err)
	}
}

// session is one engine instance: the reconnect loop around individual
// tunnel sessions.
type session struct {
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan struct{}
	fsm    *FSM

	mu     sync.Mutex
	dev    *tundev.Device
	mapper *dnsmapper.Mapper
	worker *Worker
}

func (sess *session) setLive(dev *tundev.Device, mapper *dnsmapper.Mapper, worker *Worker) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.dev = dev
	sess.mapper = mapper
	sess.worker = worker
}

// closeDevice tears the live tunnel down and wakes the event loop.
// Closing the tun descriptor alone does not interrupt a blocked poll, so
// the worker's wake descriptor is signalled as well.
func (sess *session) closeDevice() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.dev != nil {
		sess.dev.Close()
	}
	if sess.worker != nil {
		sess.worker.Wake()
	}
}

func (sess *session) fakeAddresses() []netip.Addr {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.mapper == nil {
		return nil
	}
	return sess.mapper.FakeAddresses()
}

// run is the session lifecycle: throttle, establish, loop; network errors
// feed the reconnect path, explicit stop and fatal errors exit for good.
func (sess *session) run(ctx context.Context) {
	defer close(sess.done)

	throttler := NewThrottler()

	for {
		if err := sess.fsm.Transition(StateStarting); err != nil {
			log.Errorf("Session cannot start: %v", err)
			break
		}

		if err := throttler.Throttle(ctx); err != nil {
			// interrupted while throttling = explicit stop
			break
		}

		err := sess.runOnce(ctx)
		if ctx.Err() != nil || err == nil {
			break
		}

		if cerrors.HasCode(err, cerrors.ErrCodeAddress) {
			// No usable fake-address subnet: unrecoverable, retrying
			// cannot help.
			log.Errorf("Fatal session error: %v", err)
			break
		}

		log.Warnf("Session failed: %v", err)
		if err := sess.fsm.Transition(StateReconnecting); err != nil {
			break
		}
	}

	if sess.fsm.Current() != StateStopping {
		sess.fsm.Transition(StateStopping)
	}
	sess.fsm.Transition(StateStopped)

	sess.sup.mu.Lock()
	if sess.sup.session == sess {
		sess.sup.session = nil
	}
	sess.sup.mu.Unlock()
}

// runOnce establishes one tunnel session and drives its event loop until
// it ends. A nil return means a deliberate session end; an error feeds the
// reconnect path.
func (sess *session) runOnce(ctx context.Context) error {
	cfg := sess.sup.cfg

	dev, err := tundev.Open(cfg.Tunnel.GetInterfaceName(), cfg.Tunnel.GetMTU(), cfg.Tunnel.GetProtectMark())
	if err != nil {
		return err
	}
	defer dev.Close()

	mapper := dnsmapper.New()
	prefs := dnsmapper.Preferences{EnableIPv6: cfg.General.EnableIPv6}
	if err := mapper.Configure(cfg.Upstream.GetServers(), prefs, dev); err != nil {
		return err
	}

	queue := NewWriteQueue()

	tr := tracker.New(dev.Protect)
	defer tr.Close()

	pool := NewPool(cfg.Upstream.GetWorkers(), poolQueueDepth)
	defer pool.Close()

	var resolver proxy.Resolver
	if url := cfg.Upstream.GetDoHURL(); url != "" {
		doh, err := upstream.NewDoHUpstream(url, cfg.Upstream.GetBootstrapAddrs(), dev.Protect)
		if err != nil {
			return err
		}
		res := upstream.NewResolver(doh, filepath.Join(cfg.General.GetCacheDir(), "resolve-cache.toml"))
		defer res.Close()
		resolver = res
	}

	pipeline := &proxy.Proxy{
		Store:      sess.sup.store,
		Mapper:     mapper,
		Writer:     queue,
		Dispatcher: trackerDispatcher{tr},
		Resolver:   resolver,
		Pool:       pool,
	}

	watchdog := NewWatchdog(cfg.General.EnableWatchdog, mapper.DefaultServer(), protectedProbe(dev.Protect))

	worker, err := NewWorker(dev, pipeline, tr, queue, watchdog, cfg.Tunnel.GetMTU())
	if err != nil {
		return err
	}
	defer worker.Close()

	sess.setLive(dev, mapper, worker)
	defer sess.setLive(nil, nil, nil)

	if redirector, err := redirect.NewManager(cfg.Redirect, cfg.Tunnel.GetProtectMark()); err != nil {
		log.Warnf("DNS redirection unavailable: %v", err)
	} else if redirector != nil {
		if fakes := mapper.FakeAddresses(); len(fakes) > 0 {
			if err := redirector.Enable(fakes[0]); err != nil {
				log.Warnf("Failed to enable DNS redirection: %v", err)
			} else {
				defer redirector.Disable()
			}
		}
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	monitor := NewMonitor(
		netip.AddrPortFrom(mapper.DefaultServer(), dnsProbePort),
		dev.Protect,
		sess.closeDevice,
	)
	go monitor.Run(monitorCtx)

	if err := sess.fsm.Transition(StateRunning); err != nil {
		return err
	}

	return worker.Run(ctx)
}

// trackerDispatcher adapts the tracker to the proxy's dispatcher surface.
type trackerDispatcher struct {
	tr *tracker.Tracker
}

func (d trackerDispatcher) Dispatch(dest netip.AddrPort, payload []byte, onReply func([]byte)) error {
	return d.tr.Send(dest, payload, onReply)
}

// protectedProbe builds the watchdog's probe sender: one empty datagram
// per call through a protected socket.
func protectedProbe(protect func(fd int) error) func(dest netip.AddrPort) error {
	dialer := &net.Dialer{
		Timeout: 3 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			if protect == nil {
				return nil
			}
			var protectErr error
			if err := c.Control(func(fd uintptr) {
				protectErr = protect(int(fd))
			}); err != nil {
				return err
			}
			return protectErr
		},
	}

	return func(dest netip.AddrPort) error {
		conn, err := dialer.Dial("udp", dest.String())
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Write(nil)
		return err
	}
}
