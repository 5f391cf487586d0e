package config

import (
	"net/netip"
	"strings"
	"time"
)

// Config is the root of the dnsfence configuration file.
type Config struct {
	// ConfigVersion is increased on every incompatible config schema change.
	ConfigVersion uint8 `toml:"config_version" json:"config_version"`

	General *GeneralConfig `toml:"general" validate:"required"`

	Tunnel *TunnelConfig `toml:"tunnel" validate:"required"`

	Upstream *UpstreamConfig `toml:"upstream" validate:"required"`

	Redirect *RedirectConfig `toml:"redirect,omitempty"`

	Lists []*ListSource `toml:"list,omitempty" validate:"dive"`

	// absolute path of the loaded config file, set by LoadConfig
	_absConfigFilePath string
}

// GeneralConfig contains engine-wide settings.
type GeneralConfig struct {
	// EnableIPv6 allocates an IPv6 fake-address block when upstream IPv6
	// resolvers are present.
	EnableIPv6 bool `toml:"enable_ipv6" json:"enable_ipv6"`

	// EnableWatchdog enables upstream liveness probing from the event loop.
	EnableWatchdog bool `toml:"enable_watchdog" json:"enable_watchdog"`

	// APIListenAddr is the control API bind address ("" disables the API).
	APIListenAddr string `toml:"api_listen_addr" json:"api_listen_addr" validate:"omitempty,hostname_port"`

	// StateFile persists the engine session state across process restarts.
	StateFile string `toml:"state_file" json:"state_file"`

	// CacheDir holds the on-disk DoH resolve cache.
	CacheDir string `toml:"cache_dir" json:"cache_dir"`

	// HeartbeatIntervalSeconds is how often the liveness heartbeat verifies
	// that a started engine is actually alive (0 = default).
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds" validate:"gte=0"`
}

// TunnelConfig describes the virtual interface.
type TunnelConfig struct {
	// InterfaceName is the tun device name.
	InterfaceName string `toml:"interface_name" json:"interface_name"`

	// MTU of the tun device (0 = default).
	MTU int `toml:"mtu" json:"mtu" validate:"gte=0,lte=65535"`

	// ProtectMark is the fwmark set on upstream sockets so their traffic is
	// routed around the tunnel.
	ProtectMark uint32 `toml:"protect_mark" json:"protect_mark"`
}

// UpstreamConfig describes the real resolvers behind the fake addresses.
type UpstreamConfig struct {
	// Servers are the real DNS resolver addresses, in priority order.
	// The last one is the default probe/fallback target.
	Servers []string `toml:"servers" json:"servers" validate:"required,min=1,dive,ip"`

	// DoHURL is the DNS-over-HTTPS endpoint used for allowed queries.
	DoHURL string `toml:"doh_url" json:"doh_url" validate:"omitempty,url"`

	// BootstrapAddrs resolve the DoH host without relying on the very DNS
	// path this engine replaces.
	BootstrapAddrs []string `toml:"bootstrap_addrs" json:"bootstrap_addrs" validate:"dive,ip"`

	// Workers bounds the DoH lookup pool (0 = default).
	Workers int `toml:"workers" json:"workers" validate:"gte=0,lte=64"`
}

// RedirectConfig enables hijacking of LAN port-53 traffic toward the tunnel,
// catching clients that ignore the advertised DNS servers.
type RedirectConfig struct {
	Enable bool `toml:"enable" json:"enable"`

	// Interfaces whose inbound DNS traffic is redirected.
	Interfaces []string `toml:"interfaces" json:"interfaces" validate:"required_if=Enable true"`

	// Rules are templated iptables rule specs. Placeholders: {{fake_dns}},
	// {{port}}, {{mark}}.
	Rules []*RedirectRule `toml:"rule,omitempty" json:"rule,omitempty" validate:"dive"`
}

// RedirectRule is one templated iptables rule.
type RedirectRule struct {
	Chain string   `toml:"chain" json:"chain"`
	Table string   `toml:"table" json:"table"`
	Rule  []string `toml:"rule" json:"rule"`
}

// ListSource describes one host-policy list source.
type ListSource struct {
	// ListName is a unique identifier of this list.
	ListName string `toml:"list_name" json:"list_name" validate:"required"`

	// File is a local hosts-file or bare-domain list path.
	File string `toml:"file,omitempty" json:"file,omitempty"`

	// Hosts are inline entries ("domain" or "*.domain").
	Hosts []string `toml:"hosts,omitempty" json:"hosts,omitempty" validate:"omitempty,dive,domain_pattern"`

	// Action applied to matched hosts: "block", "redirect" or "allow"
	// (allow entries override blocks from other lists).
	Action string `toml:"action" json:"action" validate:"required,oneof=block redirect allow"`

	// RedirectTarget is the address literal answered for redirected hosts.
	RedirectTarget string `toml:"redirect_target,omitempty" json:"redirect_target,omitempty" validate:"required_if=Action redirect,omitempty,ip"`
}

// GetInterfaceName returns the tun device name, defaulting to "fence0".
func (t *TunnelConfig) GetInterfaceName() string {
	if t.InterfaceName == "" {
		return "fence0"
	}
	return t.InterfaceName
}

// GetMTU returns the tun MTU, defaulting to 32767 (largest single frame the
// event loop reads per iteration).
func (t *TunnelConfig) GetMTU() int {
	if t.MTU == 0 {
		return 32767
	}
	return t.MTU
}

// GetProtectMark returns the socket protection fwmark, defaulting to 0x6f5.
func (t *TunnelConfig) GetProtectMark() uint32 {
	if t.ProtectMark == 0 {
		return 0x6f5
	}
	return t.ProtectMark
}

// GetServers parses and returns the configured real resolver addresses,
// skipping unparseable entries.
func (u *UpstreamConfig) GetServers() []netip.Addr {
	servers := make([]netip.Addr, 0, len(u.Servers))
	for _, s := range u.Servers {
		if addr, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
			servers = append(servers, addr)
		}
	}
	return servers
}

// GetDoHURL returns the DoH endpoint, defaulting to Cloudflare.
func (u *UpstreamConfig) GetDoHURL() string {
	if u.DoHURL == "" {
		return "https://cloudflare-dns.com/dns-query"
	}
	return u.DoHURL
}

// GetBootstrapAddrs returns the DoH bootstrap addresses, defaulting to
// 1.1.1.1 and 1.0.0.1.
func (u *UpstreamConfig) GetBootstrapAddrs() []netip.Addr {
	if len(u.BootstrapAddrs) == 0 {
		return []netip.Addr{
			netip.MustParseAddr("1.1.1.1"),
			netip.MustParseAddr("1.0.0.1"),
		}
	}
	addrs := make([]netip.Addr, 0, len(u.BootstrapAddrs))
	for _, s := range u.BootstrapAddrs {
		if addr, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// GetWorkers returns the DoH pool size, defaulting to 4.
func (u *UpstreamConfig) GetWorkers() int {
	if u.Workers == 0 {
		return 4
	}
	return u.Workers
}

// GetStateFile returns the session state file path, defaulting to a sibling
// of the config file.
func (c *Config) GetStateFile() string {
	if c.General != nil && c.General.StateFile != "" {
		return c.General.StateFile
	}
	return c._absConfigFilePath + ".state"
}

// GetCacheDir returns the resolve-cache directory, defaulting to
// /var/cache/dnsfence.
func (g *GeneralConfig) GetCacheDir() string {
	if g.CacheDir == "" {
		return "/var/cache/dnsfence"
	}
	return g.CacheDir
}

// GetHeartbeatInterval returns the heartbeat cadence, defaulting to 1 minute.
func (g *GeneralConfig) GetHeartbeatInterval() time.Duration {
	if g.HeartbeatIntervalSeconds == 0 {
		return time.Minute
	}
	return time.Duration(g.HeartbeatIntervalSeconds) * time.Second
}
