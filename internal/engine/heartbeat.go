package engine

import (
	"context"
	"time"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/log"
)

// Heartbeat periodically reconciles the persisted engine state with
// reality: the on-disk record says the engine should be running, but the
// supervisor has no live instance (crash, OOM kill, a session that died
// without cleanup). Recovery is a plain restart.
type Heartbeat struct {
	sup       *Supervisor
	statePath string
	interval  time.Duration
}

func NewHeartbeat(sup *Supervisor, statePath string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		sup:       sup,
		statePath: statePath,
		interval:  interval,
	}
}

// Run ticks until the context is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	if h.sup.IsRunning() {
		return
	}

	state, err := config.ReadState(h.statePath)
	if err != nil {
		log.Warnf("Heartbeat cannot read persisted state: %v", err)
		return
	}

	if !state.Enabled {
		return
	}

	log.Warnf("Engine should be running but is not, restarting")
	if err := h.sup.Start(); err != nil {
		log.Errorf("Heartbeat restart failed: %v", err)
	}
}
