package commands

import (
	"context"
	"flag"
	"fmt"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/policy"
	"github.com/dnsfence/dnsfence/internal/upstream"
)

func CreateLookupCommand() *LookupCommand {
	lc := &LookupCommand{
		fs: flag.NewFlagSet("lookup", flag.ExitOnError),
	}

	lc.fs.BoolVar(&lc.Resolve, "resolve", false, "Also resolve allowed hosts over DoH")

	return lc
}

// LookupCommand classifies a hostname against the configured lists, the
// same way the packet pipeline would, and optionally resolves it.
type LookupCommand struct {
	fs      *flag.FlagSet
	ctx     *AppContext
	cfg     *config.Config
	store   *policy.Store
	Resolve bool
}

func (l *LookupCommand) Name() string {
	return l.fs.Name()
}

func (l *LookupCommand) Init(args []string, ctx *AppContext) error {
	l.ctx = ctx

	if err := l.fs.Parse(args); err != nil {
		return err
	}

	if l.fs.NArg() < 1 {
		return fmt.Errorf("usage: lookup [options] <hostname>")
	}

	cfg, err := loadAndValidateConfigOrFail(ctx.ConfigPath)
	if err != nil {
		return err
	}
	l.cfg = cfg
	l.store = policy.NewStore(cfg)

	return nil
}

func (l *LookupCommand) Run() error {
	host := l.fs.Arg(0)

	entry := l.store.Lookup(host)
	fmt.Printf("%s: %s\n", entry.Hostname, entry.Classification)
	if entry.RedirectTarget != "" {
		fmt.Printf("  redirect target: %s\n", entry.RedirectTarget)
	}

	if !l.Resolve || entry.Classification != policy.Allowed {
		return nil
	}

	doh, err := upstream.NewDoHUpstream(l.cfg.Upstream.GetDoHURL(), l.cfg.Upstream.GetBootstrapAddrs(), nil)
	if err != nil {
		return err
	}
	defer doh.Close()

	resolver := upstream.NewResolver(doh, "")
	defer resolver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	addrs, err := resolver.Lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("resolution failed: %v", err)
	}
	for _, addr := range addrs {
		fmt.Printf("  %s\n", addr)
	}
	return nil
}
