package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dnsfence/dnsfence/internal/policy"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dnsfence.conf")
	content := `config_version = 1

[general]

[tunnel]

[upstream]
servers = ["1.1.1.1"]

[[list]]
list_name = "ads"
hosts = ["ads.example.com", "*.tracker.example.com"]
action = "block"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLookupCommand(t *testing.T) {
	ctx := &AppContext{ConfigPath: writeTestConfig(t)}

	lc := CreateLookupCommand()
	if err := lc.Init([]string{"ads.example.com"}, ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	entry := lc.store.Lookup("ads.example.com")
	if entry.Classification != policy.Blocked {
		t.Fatalf("classification = %s, want BLOCKED", entry.Classification)
	}

	if err := lc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestLookupCommand_MissingHostname(t *testing.T) {
	ctx := &AppContext{ConfigPath: writeTestConfig(t)}

	lc := CreateLookupCommand()
	if err := lc.Init(nil, ctx); err == nil {
		t.Fatal("Init without a hostname should fail")
	}
}

func TestServiceCommand_Init(t *testing.T) {
	ctx := &AppContext{ConfigPath: writeTestConfig(t)}

	sc := CreateServiceCommand()
	if err := sc.Init(nil, ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if sc.supervisor == nil || sc.store == nil {
		t.Fatal("service command missing supervisor or store")
	}

	exact, wildcard := sc.store.Stats()
	if exact != 2 || wildcard != 1 {
		t.Fatalf("store stats = %d exact / %d wildcard, want 2/1", exact, wildcard)
	}
}

func TestCommands_BadConfigPath(t *testing.T) {
	ctx := &AppContext{ConfigPath: "/nonexistent/dnsfence.conf"}

	if err := CreateSelfCheckCommand().Init(nil, ctx); err == nil {
		t.Fatal("self-check Init with a missing config should fail")
	}
	if err := CreateServiceCommand().Init(nil, ctx); err == nil {
		t.Fatal("service Init with a missing config should fail")
	}
}
