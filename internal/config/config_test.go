package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validTestConfig(t *testing.T) *Config {
	t.Helper()

	tmpDir := t.TempDir()
	listFile := filepath.Join(tmpDir, "ads.txt")
	if err := os.WriteFile(listFile, []byte("127.0.0.1 ads.example.com\n"), 0644); err != nil {
		t.Fatalf("Failed to create list file: %v", err)
	}

	return &Config{
		ConfigVersion: CURRENT_CONFIG_VERSION,
		General: &GeneralConfig{
			APIListenAddr: "127.0.0.1:8090",
		},
		Tunnel: &TunnelConfig{
			InterfaceName: "fence0",
		},
		Upstream: &UpstreamConfig{
			Servers: []string{"9.9.9.9", "1.1.1.1"},
		},
		Lists: []*ListSource{
			{
				ListName: "ads",
				File:     listFile,
				Action:   "block",
			},
		},
		_absConfigFilePath: filepath.Join(tmpDir, "dnsfence.toml"),
	}
}

func TestValidateConfig_Success(t *testing.T) {
	config := validTestConfig(t)

	if err := config.ValidateConfig(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestValidateConfig_MissingSections(t *testing.T) {
	config := &Config{}

	err := config.ValidateConfig()
	if err == nil {
		t.Fatal("Expected error for empty config")
	}
	msg := err.Error()
	for _, section := range []string{"general", "tunnel", "upstream"} {
		if !strings.Contains(msg, section) {
			t.Errorf("Expected missing-section error for %q, got: %v", section, msg)
		}
	}
}

func TestValidateUpstream_NoServers(t *testing.T) {
	config := validTestConfig(t)
	config.Upstream.Servers = nil

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for empty upstream.servers")
	}
}

func TestValidateUpstream_TooManyServers(t *testing.T) {
	config := validTestConfig(t)
	config.Upstream.Servers = nil
	for i := 0; i < 254; i++ {
		config.Upstream.Servers = append(config.Upstream.Servers,
			fmt.Sprintf("10.0.%d.%d", i/250, i%250+1))
	}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for more resolvers than fake addresses")
	}
}

func TestValidateUpstream_DuplicateServers(t *testing.T) {
	config := validTestConfig(t)
	config.Upstream.Servers = []string{"9.9.9.9", "9.9.9.9"}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for duplicate resolver")
	}
}

func TestValidateUpstream_IPv6RequiresFlag(t *testing.T) {
	config := validTestConfig(t)
	config.Upstream.Servers = []string{"2620:fe::fe"}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for IPv6 resolver without enable_ipv6")
	}

	config.General.EnableIPv6 = true
	if err := config.ValidateConfig(); err != nil {
		t.Errorf("Expected no error with enable_ipv6, got: %v", err)
	}
}

func TestValidateLists_NoSource(t *testing.T) {
	config := validTestConfig(t)
	config.Lists = []*ListSource{
		{ListName: "empty", Action: "block"},
	}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for list without file or hosts")
	}
}

func TestValidateLists_MultipleSources(t *testing.T) {
	config := validTestConfig(t)
	config.Lists[0].Hosts = []string{"ads.example.com"}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for list with both file and hosts")
	}
}

func TestValidateLists_DuplicateNames(t *testing.T) {
	config := validTestConfig(t)
	config.Lists = append(config.Lists, &ListSource{
		ListName: "ads",
		Hosts:    []string{"tracker.example.com"},
		Action:   "block",
	})

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for duplicate list name")
	}
}

func TestValidateLists_RedirectRequiresTarget(t *testing.T) {
	config := validTestConfig(t)
	config.Lists = []*ListSource{
		{
			ListName: "pinned",
			Hosts:    []string{"telemetry.example.com"},
			Action:   "redirect",
		},
	}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for redirect list without target")
	}

	config.Lists[0].RedirectTarget = "10.0.0.1"
	if err := config.ValidateConfig(); err != nil {
		t.Errorf("Expected no error with redirect_target, got: %v", err)
	}
}

func TestValidateLists_InvalidHostPattern(t *testing.T) {
	config := validTestConfig(t)
	config.Lists = []*ListSource{
		{
			ListName: "bad",
			Hosts:    []string{"ads.**.example.com"},
			Action:   "block",
		},
	}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for malformed host pattern")
	}
}

func TestValidateRedirect_EmptyRuleFields(t *testing.T) {
	config := validTestConfig(t)
	config.Redirect = &RedirectConfig{
		Enable:     true,
		Interfaces: []string{"br0"},
		Rules: []*RedirectRule{
			{Chain: "", Table: "nat", Rule: []string{"-p", "udp"}},
		},
	}

	if err := config.ValidateConfig(); err == nil {
		t.Error("Expected error for redirect rule with empty chain")
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "dnsfence.toml")

	content := `
config_version = 1

[general]
  enable_watchdog = true
  api_listen_addr = "127.0.0.1:8090"

[tunnel]
  interface_name = "fence0"
  mtu = 1500

[upstream]
  servers = ["9.9.9.9"]
  doh_url = "https://dns.quad9.net/dns-query"

[[list]]
  list_name = "ads"
  hosts = ["ads.example.com", "*.doubleclick.net"]
  action = "block"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Tunnel.GetInterfaceName() != "fence0" {
		t.Errorf("Expected interface fence0, got %s", config.Tunnel.GetInterfaceName())
	}
	if config.Upstream.GetDoHURL() != "https://dns.quad9.net/dns-query" {
		t.Errorf("Unexpected DoH URL: %s", config.Upstream.GetDoHURL())
	}
	if err := config.ValidateConfig(); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}

	if _, err := config.SerializeConfig(); err != nil {
		t.Errorf("SerializeConfig failed: %v", err)
	}
}

func TestLoadConfig_ParseError(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "broken.toml")
	if err := os.WriteFile(configFile, []byte("[general\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(configFile); err == nil {
		t.Error("Expected parse error for broken TOML")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestDefaults(t *testing.T) {
	tunnel := &TunnelConfig{}
	if tunnel.GetInterfaceName() != "fence0" {
		t.Errorf("Unexpected default interface: %s", tunnel.GetInterfaceName())
	}
	if tunnel.GetMTU() != 32767 {
		t.Errorf("Unexpected default MTU: %d", tunnel.GetMTU())
	}

	upstream := &UpstreamConfig{}
	bootstrap := upstream.GetBootstrapAddrs()
	if len(bootstrap) != 2 || bootstrap[0].String() != "1.1.1.1" {
		t.Errorf("Unexpected default bootstrap: %v", bootstrap)
	}
	if upstream.GetWorkers() != 4 {
		t.Errorf("Unexpected default worker count: %d", upstream.GetWorkers())
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dnsfence.state")

	state, err := ReadState(path)
	if err != nil {
		t.Fatalf("ReadState on missing file failed: %v", err)
	}
	if state.Enabled {
		t.Error("Expected zero state for missing file")
	}

	if err := WriteState(path, &PersistedState{Enabled: true, SessionState: "RUNNING"}); err != nil {
		t.Fatalf("WriteState failed: %v", err)
	}

	state, err = ReadState(path)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if !state.Enabled || state.SessionState != "RUNNING" {
		t.Errorf("Unexpected state after round trip: %+v", state)
	}
	if state.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be set")
	}
}

func TestStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsfence.state")
	if err := os.WriteFile(path, []byte("{{{{"), 0644); err != nil {
		t.Fatalf("Failed to write state file: %v", err)
	}

	state, err := ReadState(path)
	if err != nil {
		t.Fatalf("Expected corrupt state to be tolerated, got: %v", err)
	}
	if state.Enabled {
		t.Error("Expected zero state for corrupt file")
	}
}
