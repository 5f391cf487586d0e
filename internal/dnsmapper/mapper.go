package dnsmapper

import (
	"net/netip"
	"sync"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/log"
)

// Candidate fake-address blocks, tried in priority order. All are reserved
// for documentation (RFC 5737 / RFC 3849), so they never collide with
// routable traffic.
var (
	ipv4Blocks = []netip.Prefix{
		netip.MustParsePrefix("192.0.2.0/24"),
		netip.MustParsePrefix("198.51.100.0/24"),
		netip.MustParsePrefix("203.0.113.0/24"),
	}
	ipv6Block = netip.MustParsePrefix("2001:db8::/120")
)

// Address offsets 0 and 1 inside each block are reserved (subnet base and
// the tunnel interface's own address), so server i (0-based) gets offset i+2.
const hostOffset = 2

// Preferences are the mapper-relevant user settings.
type Preferences struct {
	EnableIPv6 bool
}

// TunnelConfigurator receives the tunnel layout computed by Configure.
// The real implementation programs the tun device; tests record the calls.
type TunnelConfigurator interface {
	// AddAddress assigns an address to the tunnel interface.
	AddAddress(addr netip.Addr, prefixLen int) error
	// AddDNSServer advertises one fake DNS server address.
	AddDNSServer(addr netip.Addr) error
	// AddRoute installs a host route for a single fake address.
	AddRoute(prefix netip.Prefix) error
}

// Mapper assigns one fake DNS address per real upstream resolver and
// translates between the two. The table is written once per session by
// Configure and is read-only afterwards, so FakeToReal needs no lock once
// the session is running; the mutex only guards against a concurrent
// reconfigure.
type Mapper struct {
	mu sync.RWMutex

	ipv4Base netip.Addr // zero value if no IPv4 block allocated
	ipv6Base netip.Addr // zero value if no IPv6 block allocated

	// servers, split by the family of their fake address, in assignment order
	ipv4Servers []netip.Addr
	ipv6Servers []netip.Addr

	// all configured real servers in original order
	allServers []netip.Addr
}

func New() *Mapper {
	return &Mapper{}
}

// Configure rebuilds the fake-address table for the given real resolvers
// and reports the resulting tunnel layout through the configurator.
func (m *Mapper) Configure(realServers []netip.Addr, prefs Preferences, tunnel TunnelConfigurator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ipv4Base = netip.Addr{}
	m.ipv6Base = netip.Addr{}
	m.ipv4Servers = nil
	m.ipv6Servers = nil
	m.allServers = append([]netip.Addr(nil), realServers...)

	hasIPv6 := false
	for _, server := range realServers {
		if !server.Is4() {
			hasIPv6 = true
		}
	}

	// The IPv4 block is always carved, even when no resolver can live in
	// it: the tunnel interface needs an address to establish, and a session
	// with every resolver skipped is degraded, not fatal.
	block, err := pickIPv4Block(realServers)
	if err != nil {
		return err
	}
	m.ipv4Base = block.Addr()

	if err := tunnel.AddAddress(addrAtOffset(m.ipv4Base, 1), block.Bits()); err != nil {
		return cerrors.NewTunnelError("failed to assign tunnel address", err)
	}

	// An IPv6 block is only worth carving when an IPv6 resolver exists and
	// either the user opted in or it is the only resolver we have.
	if hasIPv6 && (prefs.EnableIPv6 || len(realServers) == 1) {
		m.ipv6Base = ipv6Block.Addr()

		if err := tunnel.AddAddress(addrAtOffset(m.ipv6Base, 1), ipv6Block.Bits()); err != nil {
			return cerrors.NewTunnelError("failed to assign tunnel IPv6 address", err)
		}
	}

	for _, server := range realServers {
		var fake netip.Addr
		if server.Is4() {
			fake = addrAtOffset(m.ipv4Base, len(m.ipv4Servers)+hostOffset)
			m.ipv4Servers = append(m.ipv4Servers, server)
		} else {
			if !m.ipv6Base.IsValid() {
				log.Debugf("Skipping IPv6 resolver %s: IPv6 disabled", server)
				continue
			}
			fake = addrAtOffset(m.ipv6Base, len(m.ipv6Servers)+hostOffset)
			m.ipv6Servers = append(m.ipv6Servers, server)
		}

		if err := tunnel.AddDNSServer(fake); err != nil {
			return cerrors.NewTunnelError("failed to register DNS server", err)
		}
		if fake.Is4() {
			if err := tunnel.AddRoute(netip.PrefixFrom(fake, 32)); err != nil {
				return cerrors.NewTunnelError("failed to add host route", err)
			}
		}

		log.Infof("DNS server %s mapped to fake address %s", server, fake)
	}

	if len(m.ipv4Servers) == 0 && len(m.ipv6Servers) == 0 {
		log.Warnf("No resolver could be mapped to a fake address; tunnel will carry no DNS traffic")
	}

	return nil
}

// FakeToReal translates a fake DNS address back to its real resolver.
// Addresses outside the assigned range return false rather than an error:
// arbitrary tunnel traffic routinely probes unknown addresses.
func (m *Mapper) FakeToReal(fake netip.Addr) (netip.Addr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var base netip.Addr
	var servers []netip.Addr
	if fake.Is4() {
		base, servers = m.ipv4Base, m.ipv4Servers
	} else {
		base, servers = m.ipv6Base, m.ipv6Servers
	}

	if !base.IsValid() {
		return netip.Addr{}, false
	}

	fakeBytes := fake.AsSlice()
	baseBytes := base.AsSlice()
	for i := 0; i < len(fakeBytes)-1; i++ {
		if fakeBytes[i] != baseBytes[i] {
			return netip.Addr{}, false
		}
	}

	index := int(fakeBytes[len(fakeBytes)-1]) - hostOffset
	if index < 0 || index >= len(servers) {
		return netip.Addr{}, false
	}
	return servers[index], true
}

// FakeAddresses returns the assigned fake addresses in assignment order,
// IPv4 first.
func (m *Mapper) FakeAddresses() []netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fakes := make([]netip.Addr, 0, len(m.ipv4Servers)+len(m.ipv6Servers))
	for i := range m.ipv4Servers {
		fakes = append(fakes, addrAtOffset(m.ipv4Base, i+hostOffset))
	}
	for i := range m.ipv6Servers {
		fakes = append(fakes, addrAtOffset(m.ipv6Base, i+hostOffset))
	}
	return fakes
}

// DefaultServer returns the probe/fallback resolver: the last configured
// one, or 1.1.1.1 when nothing is configured.
func (m *Mapper) DefaultServer() netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.allServers) == 0 {
		return netip.MustParseAddr("1.1.1.1")
	}
	return m.allServers[len(m.allServers)-1]
}

// pickIPv4Block returns the first candidate block that no real resolver
// lives in. A resolver inside the fake block would be unreachable, its
// traffic swallowed by the tunnel's own host routes.
func pickIPv4Block(realServers []netip.Addr) (netip.Prefix, error) {
	for _, block := range ipv4Blocks {
		usable := true
		for _, server := range realServers {
			if server.Is4() && block.Contains(server) {
				usable = false
				break
			}
		}
		if usable {
			return block, nil
		}
	}
	return netip.Prefix{}, cerrors.NewAddressError("no usable fake-address block", nil)
}

// addrAtOffset returns the block address with the trailing byte replaced by
// offset. Valid for the /24 and /120 blocks used here.
func addrAtOffset(base netip.Addr, offset int) netip.Addr {
	bytes := base.AsSlice()
	bytes[len(bytes)-1] = byte(offset)
	addr, _ := netip.AddrFromSlice(bytes)
	return addr
}
