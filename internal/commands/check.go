package commands

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/log"
	"github.com/dnsfence/dnsfence/internal/upstream"
)

const checkTimeout = 5 * time.Second

func CreateSelfCheckCommand() *SelfCheckCommand {
	gc := &SelfCheckCommand{
		fs: flag.NewFlagSet("self-check", flag.ExitOnError),
	}

	gc.fs.StringVar(&gc.ProbeHost, "host", "example.com", "Hostname used for the resolver probes")

	return gc
}

// SelfCheckCommand verifies the configuration and probes every configured
// upstream path so a broken setup is visible before the tunnel goes up.
type SelfCheckCommand struct {
	fs        *flag.FlagSet
	ctx       *AppContext
	cfg       *config.Config
	ProbeHost string
}

func (g *SelfCheckCommand) Name() string {
	return g.fs.Name()
}

func (g *SelfCheckCommand) Init(args []string, ctx *AppContext) error {
	g.ctx = ctx

	if err := g.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfigOrFail(ctx.ConfigPath)
	if err != nil {
		return err
	}
	g.cfg = cfg

	return nil
}

func (g *SelfCheckCommand) Run() error {
	log.Infof("Running self-check...")
	log.Infof("---------------- Configuration START -----------------")
	if serialized, err := g.cfg.SerializeConfig(); err == nil {
		fmt.Print(serialized.String())
	}
	log.Infof("---------------- Configuration END -------------------")

	failures := 0

	for _, server := range g.cfg.Upstream.GetServers() {
		if err := g.probeUDP(server.String()); err != nil {
			log.Errorf("[FAIL] UDP resolver %s: %v", server, err)
			failures++
		} else {
			log.Infof("[ OK ] UDP resolver %s", server)
		}
	}

	if url := g.cfg.Upstream.GetDoHURL(); url != "" {
		if err := g.probeDoH(url); err != nil {
			log.Errorf("[FAIL] DoH endpoint %s: %v", url, err)
			failures++
		} else {
			log.Infof("[ OK ] DoH endpoint %s", url)
		}
	}

	if failures > 0 {
		return fmt.Errorf("self-check failed: %d upstream(s) unreachable", failures)
	}

	log.Infof("Self-check passed.")
	return nil
}

func (g *SelfCheckCommand) probeUDP(server string) error {
	up, err := upstream.NewUDPUpstream(server, nil)
	if err != nil {
		return err
	}
	defer up.Close()

	return g.probe(up)
}

func (g *SelfCheckCommand) probeDoH(url string) error {
	up, err := upstream.NewDoHUpstream(url, g.cfg.Upstream.GetBootstrapAddrs(), nil)
	if err != nil {
		return err
	}
	defer up.Close()

	return g.probe(up)
}

func (g *SelfCheckCommand) probe(up upstream.Upstream) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(g.ProbeHost), dns.TypeA)

	resp, err := up.Query(ctx, req)
	if err != nil {
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	return nil
}
