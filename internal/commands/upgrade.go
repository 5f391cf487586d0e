package commands

import (
	"flag"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/log"
)

func CreateUpgradeConfigCommand() *UpgradeConfigCommand {
	uc := &UpgradeConfigCommand{
		fs: flag.NewFlagSet("upgrade-config", flag.ExitOnError),
	}
	return uc
}

// UpgradeConfigCommand migrates the configuration file to the current
// schema version in place.
type UpgradeConfigCommand struct {
	fs  *flag.FlagSet
	ctx *AppContext
	cfg *config.Config
}

func (u *UpgradeConfigCommand) Name() string {
	return u.fs.Name()
}

func (u *UpgradeConfigCommand) Init(args []string, ctx *AppContext) error {
	u.ctx = ctx

	if err := u.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(ctx.ConfigPath)
	if err != nil {
		return err
	}
	u.cfg = cfg

	return nil
}

func (u *UpgradeConfigCommand) Run() error {
	upgraded, err := u.cfg.UpgradeConfig()
	if err != nil {
		return err
	}

	if !upgraded {
		log.Infof("Configuration is already at the current version")
		return nil
	}

	if err := u.cfg.WriteConfig(); err != nil {
		return err
	}

	log.Infof("Configuration upgraded to version %d", u.cfg.ConfigVersion)
	return nil
}
