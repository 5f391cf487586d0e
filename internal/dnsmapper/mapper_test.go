package dnsmapper

import (
	"net/netip"
	"testing"
)

// fakeConfigurator records the tunnel layout calls.
type fakeConfigurator struct {
	addresses  []netip.Addr
	dnsServers []netip.Addr
	routes     []netip.Prefix
}

func (f *fakeConfigurator) AddAddress(addr netip.Addr, prefixLen int) error {
	f.addresses = append(f.addresses, addr)
	return nil
}

func (f *fakeConfigurator) AddDNSServer(addr netip.Addr) error {
	f.dnsServers = append(f.dnsServers, addr)
	return nil
}

func (f *fakeConfigurator) AddRoute(prefix netip.Prefix) error {
	f.routes = append(f.routes, prefix)
	return nil
}

func mustAddrs(raw ...string) []netip.Addr {
	addrs := make([]netip.Addr, len(raw))
	for i, r := range raw {
		addrs[i] = netip.MustParseAddr(r)
	}
	return addrs
}

func TestConfigure_Bijection(t *testing.T) {
	servers := mustAddrs("9.9.9.9", "1.1.1.1", "8.8.8.8")

	m := New()
	tunnel := &fakeConfigurator{}
	if err := m.Configure(servers, Preferences{}, tunnel); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	fakes := m.FakeAddresses()
	if len(fakes) != len(servers) {
		t.Fatalf("Expected %d fake addresses, got %d", len(servers), len(fakes))
	}

	for i, fake := range fakes {
		real, ok := m.FakeToReal(fake)
		if !ok {
			t.Errorf("FakeToReal(%s) returned not found", fake)
			continue
		}
		if real != servers[i] {
			t.Errorf("FakeToReal(%s) = %s, want %s", fake, real, servers[i])
		}
	}
}

func TestConfigure_FakeAddressLayout(t *testing.T) {
	m := New()
	tunnel := &fakeConfigurator{}
	if err := m.Configure(mustAddrs("9.9.9.9", "1.1.1.1"), Preferences{}, tunnel); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	// offset 1 is the interface address, servers start at offset 2
	if len(tunnel.addresses) != 1 || tunnel.addresses[0] != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("Unexpected interface addresses: %v", tunnel.addresses)
	}

	want := mustAddrs("192.0.2.2", "192.0.2.3")
	for i, fake := range m.FakeAddresses() {
		if fake != want[i] {
			t.Errorf("Fake address %d = %s, want %s", i, fake, want[i])
		}
	}

	// IPv4 fakes each get a host route
	if len(tunnel.routes) != 2 {
		t.Errorf("Expected 2 host routes, got %d", len(tunnel.routes))
	}
	if len(tunnel.dnsServers) != 2 {
		t.Errorf("Expected 2 advertised DNS servers, got %d", len(tunnel.dnsServers))
	}
}

func TestConfigure_BlockCollisionFallsThrough(t *testing.T) {
	// A resolver inside TEST-NET-1 pushes allocation to TEST-NET-2.
	m := New()
	if err := m.Configure(mustAddrs("192.0.2.53"), Preferences{}, &fakeConfigurator{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	fakes := m.FakeAddresses()
	if len(fakes) != 1 || fakes[0] != netip.MustParseAddr("198.51.100.2") {
		t.Errorf("Expected fallback block 198.51.100.0/24, got %v", fakes)
	}
}

func TestFakeToReal_OutOfRange(t *testing.T) {
	m := New()
	if err := m.Configure(mustAddrs("9.9.9.9"), Preferences{}, &fakeConfigurator{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	misses := mustAddrs(
		"192.0.2.0",    // block base
		"192.0.2.1",    // interface address
		"192.0.2.3",    // past the single assigned server
		"192.0.2.200",  // well past
		"198.51.100.2", // different block
		"10.0.0.1",
		"2001:db8::2", // no IPv6 block allocated
	)
	for _, addr := range misses {
		if _, ok := m.FakeToReal(addr); ok {
			t.Errorf("FakeToReal(%s) = found, want not found", addr)
		}
	}
}

func TestConfigure_IPv6RequiresPreference(t *testing.T) {
	servers := mustAddrs("9.9.9.9", "2620:fe::fe")

	m := New()
	if err := m.Configure(servers, Preferences{}, &fakeConfigurator{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if len(m.FakeAddresses()) != 1 {
		t.Errorf("Expected IPv6 resolver skipped without preference, got %v", m.FakeAddresses())
	}

	m = New()
	if err := m.Configure(servers, Preferences{EnableIPv6: true}, &fakeConfigurator{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	fakes := m.FakeAddresses()
	if len(fakes) != 2 {
		t.Fatalf("Expected 2 fake addresses with IPv6 enabled, got %v", fakes)
	}
	if fakes[1] != netip.MustParseAddr("2001:db8::2") {
		t.Errorf("Unexpected IPv6 fake address: %s", fakes[1])
	}
	real, ok := m.FakeToReal(fakes[1])
	if !ok || real != netip.MustParseAddr("2620:fe::fe") {
		t.Errorf("FakeToReal(%s) = %s, %v", fakes[1], real, ok)
	}
}

func TestConfigure_SoleIPv6Resolver(t *testing.T) {
	// A single IPv6 resolver gets a block even without the preference.
	m := New()
	if err := m.Configure(mustAddrs("2620:fe::fe"), Preferences{}, &fakeConfigurator{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	fakes := m.FakeAddresses()
	if len(fakes) != 1 || fakes[0] != netip.MustParseAddr("2001:db8::2") {
		t.Errorf("Expected sole IPv6 resolver mapped, got %v", fakes)
	}
}

func TestConfigure_AllResolversSkippedStillEstablishes(t *testing.T) {
	// Several IPv6 resolvers with the preference off: all are skipped, but
	// the session still comes up with the IPv4 block and an interface
	// address. Degraded, not fatal.
	m := New()
	tunnel := &fakeConfigurator{}
	if err := m.Configure(mustAddrs("2620:fe::fe", "2606:4700:4700::1111"), Preferences{}, tunnel); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if len(tunnel.addresses) != 1 || tunnel.addresses[0] != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("Unexpected interface addresses: %v", tunnel.addresses)
	}
	if fakes := m.FakeAddresses(); len(fakes) != 0 {
		t.Errorf("Expected no fake addresses, got %v", fakes)
	}
	if len(tunnel.dnsServers) != 0 {
		t.Errorf("Expected no advertised DNS servers, got %v", tunnel.dnsServers)
	}
}

func TestDefaultServer(t *testing.T) {
	m := New()
	if got := m.DefaultServer(); got != netip.MustParseAddr("1.1.1.1") {
		t.Errorf("Unconfigured DefaultServer = %s, want 1.1.1.1", got)
	}

	if err := m.Configure(mustAddrs("9.9.9.9", "8.8.8.8"), Preferences{}, &fakeConfigurator{}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if got := m.DefaultServer(); got != netip.MustParseAddr("8.8.8.8") {
		t.Errorf("DefaultServer = %s, want last configured 8.8.8.8", got)
	}
}
