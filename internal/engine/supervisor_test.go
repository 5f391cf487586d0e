package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/policy"
)

func testSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()

	statePath := filepath.Join(t.TempDir(), "engine.state")
	cfg := &config.Config{
		General: &config.GeneralConfig{
			StateFile: statePath,
		},
		Tunnel:   &config.TunnelConfig{},
		Upstream: &config.UpstreamConfig{Servers: []string{"1.1.1.1"}},
	}
	return NewSupervisor(cfg, policy.NewStore(cfg)), statePath
}

func TestSupervisor_StatusWhenStopped(t *testing.T) {
	sup, _ := testSupervisor(t)

	status := sup.Status()
	if status.State != StateStopped {
		t.Fatalf("State = %s, want %s", status.State, StateStopped)
	}
	if status.Enabled {
		t.Fatal("Enabled = true with no persisted state")
	}
	if sup.IsRunning() {
		t.Fatal("IsRunning() = true with no session")
	}
}

func TestSupervisor_StatusRepairsStalePersistedState(t *testing.T) {
	sup, statePath := testSupervisor(t)

	// A crashed process left the state file claiming RUNNING.
	err := config.WriteState(statePath, &config.PersistedState{
		Enabled:      true,
		SessionState: string(StateRunning),
	})
	if err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	status := sup.Status()
	if status.State != StateStopped {
		t.Fatalf("State = %s, want %s", status.State, StateStopped)
	}
	if !status.Enabled {
		t.Fatal("Enabled flag lost during repair")
	}

	repaired, err := config.ReadState(statePath)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if repaired.SessionState != string(StateStopped) {
		t.Fatalf("persisted state = %q after repair, want %q", repaired.SessionState, StateStopped)
	}
	if !repaired.Enabled {
		t.Fatal("repair cleared the enabled flag")
	}
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	sup, statePath := testSupervisor(t)

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	state, err := config.ReadState(statePath)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if state.Enabled {
		t.Fatal("Enabled = true after Stop")
	}
	if state.SessionState != string(StateStopped) {
		t.Fatalf("persisted state = %q, want %q", state.SessionState, StateStopped)
	}
}

func TestSupervisor_StartIsIdempotentAndStopJoins(t *testing.T) {
	sup, _ := testSupervisor(t)

	// No tun device is available here: the session loop keeps failing and
	// throttling, which is enough to exercise start/stop bracketing.
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	first := sup.session
	if err := sup.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if sup.session != first {
		t.Fatal("second Start replaced the live session")
	}

	done := make(chan error, 1)
	go func() { done <- sup.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not join the session")
	}

	if sup.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}
}

func TestHeartbeat_RestartsEnabledEngine(t *testing.T) {
	sup, statePath := testSupervisor(t)

	err := config.WriteState(statePath, &config.PersistedState{Enabled: true})
	if err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	hb := NewHeartbeat(sup, statePath, time.Minute)
	hb.tick()

	if !sup.IsRunning() {
		t.Fatal("heartbeat did not restart an enabled engine")
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHeartbeat_LeavesDisabledEngineAlone(t *testing.T) {
	sup, statePath := testSupervisor(t)

	err := config.WriteState(statePath, &config.PersistedState{Enabled: false})
	if err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	hb := NewHeartbeat(sup, statePath, time.Minute)
	hb.tick()

	if sup.IsRunning() {
		t.Fatal("heartbeat started a disabled engine")
	}
}
