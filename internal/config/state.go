package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PersistedState is the on-disk engine session state. It survives process
// death: the heartbeat reads it at startup and restarts the engine if the
// file says it should be running but no live instance exists.
type PersistedState struct {
	// Enabled records whether the engine was asked to run.
	Enabled bool `toml:"enabled" json:"enabled"`

	// SessionState is the last observed session FSM state name.
	SessionState string `toml:"session_state" json:"session_state"`

	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time `toml:"updated_at" json:"updated_at"`
}

// ReadState loads the persisted state file. A missing file is not an error
// and yields a zero state.
func ReadState(path string) (*PersistedState, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &PersistedState{}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %v", err)
	}

	var state PersistedState
	if err := toml.Unmarshal(content, &state); err != nil {
		// A corrupt state file should not keep the engine from starting.
		return &PersistedState{}, nil
	}
	return &state, nil
}

// WriteState persists the state file, replacing it atomically so a crash
// mid-write never leaves a truncated file behind.
func WriteState(path string, state *PersistedState) error {
	state.UpdatedAt = time.Now()

	content, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %v", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %v", err)
	}
	return os.Rename(tmp, path)
}
