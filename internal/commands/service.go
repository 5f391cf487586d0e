package commands

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dnsfence/dnsfence/internal/api"
	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/engine"
	"github.com/dnsfence/dnsfence/internal/log"
	"github.com/dnsfence/dnsfence/internal/policy"
)

func CreateServiceCommand() *ServiceCommand {
	sc := &ServiceCommand{
		fs: flag.NewFlagSet("service", flag.ExitOnError),
	}

	sc.fs.BoolVar(&sc.NoAutoStart, "no-autostart", false, "Do not start the engine on boot, wait for an API call")

	return sc
}

// ServiceCommand runs dnsfence as a daemon: the tunnel engine supervisor,
// the liveness heartbeat and the control API.
type ServiceCommand struct {
	fs          *flag.FlagSet
	ctx         *AppContext
	cfg         *config.Config
	NoAutoStart bool

	store      *policy.Store
	supervisor *engine.Supervisor
	apiServer  *api.Server
}

func (s *ServiceCommand) Name() string {
	return s.fs.Name()
}

func (s *ServiceCommand) Init(args []string, ctx *AppContext) error {
	s.ctx = ctx

	if err := s.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfigOrFail(ctx.ConfigPath)
	if err != nil {
		return err
	}
	s.cfg = cfg

	s.store = policy.NewStore(s.cfg)
	s.supervisor = engine.NewSupervisor(s.cfg, s.store)

	return nil
}

func (s *ServiceCommand) Run() error {
	log.Infof("Starting dnsfence service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if s.shouldAutoStart() {
		if err := s.supervisor.Start(); err != nil {
			log.Errorf("Failed to start engine: %v", err)
			log.Warnf("Service will continue without the tunnel. Fix the configuration and restart.")
		}
	} else {
		log.Infof("Engine not started, waiting for an API start request")
	}

	heartbeat := engine.NewHeartbeat(s.supervisor, s.cfg.GetStateFile(), s.cfg.General.GetHeartbeatInterval())
	go heartbeat.Run(ctx)

	if bindAddr := s.cfg.General.APIListenAddr; bindAddr != "" {
		s.apiServer = api.NewServer(bindAddr, s.cfg, s.supervisor, s.store)
		go func() {
			if err := s.apiServer.Start(); err != nil {
				log.Errorf("API server failed: %v", err)
			}
		}()
	} else {
		log.Infof("Control API is disabled")
	}

	log.Infof("Service started successfully.")
	log.Infof("Send SIGHUP to reload the host lists")

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			log.Infof("Received SIGHUP signal, reloading host lists...")
			s.reloadLists()

		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("Received signal %v, shutting down...", sig)
			return s.shutdown()
		}
	}
	return nil
}

// shouldAutoStart decides whether to bring the engine up immediately. The
// persisted state wins over the flag so a device reboot restores whatever
// the user last asked for.
func (s *ServiceCommand) shouldAutoStart() bool {
	state, err := config.ReadState(s.cfg.GetStateFile())
	if err == nil && state.UpdatedAt.IsZero() {
		// First run, no state yet: follow the flag.
		return !s.NoAutoStart
	}
	if err != nil {
		return !s.NoAutoStart
	}
	return state.Enabled
}

func (s *ServiceCommand) reloadLists() {
	cfg, err := loadAndValidateConfigOrFail(s.ctx.ConfigPath)
	if err != nil {
		log.Errorf("Failed to reload configuration: %v", err)
		return
	}
	s.store.Reload(cfg)

	exact, wildcard := s.store.Stats()
	log.Infof("Host lists reloaded: %d exact, %d wildcard patterns", exact, wildcard)
}

func (s *ServiceCommand) shutdown() error {
	if s.apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.apiServer.Stop(shutdownCtx); err != nil {
			log.Warnf("API server shutdown failed: %v", err)
		}
	}

	if err := s.supervisor.Shutdown(); err != nil {
		return err
	}

	log.Infof("Service stopped.")
	return nil
}
