// Package tundev owns the tun device: creation, addressing and the socket
// protection that keeps upstream traffic out of the tunnel.
package tundev

import (
	"net/netip"
	"os"
	"sync"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/log"
)

const tunDevice = "/dev/net/tun"

// Device is an open tun interface. It implements the mapper's
// TunnelConfigurator: the mapper reports the session layout and the device
// programs it through netlink.
type Device struct {
	fd   int
	name string
	mark uint32

	mu         sync.Mutex
	dnsServers []netip.Addr
}

// Open creates (or attaches to) the named tun device and brings it up with
// the given MTU. Traffic from sockets carrying mark bypasses the device's
// routes; Protect applies it.
func Open(name string, mtu int, mark uint32) (*Device, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, cerrors.NewTunnelError("failed to open "+tunDevice, err)
	}

	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, cerrors.NewTunnelError("invalid interface name", err)
	}
	ifreq.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(ifreq))); errno != 0 {
		unix.Close(fd)
		return nil, cerrors.NewTunnelError("TUNSETIFF failed", errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, cerrors.NewTunnelError("failed to set tun non-blocking", err)
	}

	dev := &Device{fd: fd, name: name, mark: mark}

	link, err := netlink.LinkByName(name)
	if err != nil {
		dev.Close()
		return nil, cerrors.NewTunnelError("tun link not found", err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			dev.Close()
			return nil, cerrors.NewTunnelError("failed to set MTU", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		dev.Close()
		return nil, cerrors.NewTunnelError("failed to bring tun up", err)
	}

	log.Infof("Tunnel device %s up (mtu %d)", name, mtu)
	return dev, nil
}

// Fd returns the raw descriptor for the event loop's poll set.
func (d *Device) Fd() int {
	return d.fd
}

// Name returns the interface name.
func (d *Device) Name() string {
	return d.name
}

// Read reads one frame. It returns 0 bytes with no error when the device
// was closed under us, which the loop treats as session end.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write writes one frame back to the device.
func (d *Device) Write(frame []byte) (int, error) {
	return unix.Write(d.fd, frame)
}

// Close closes the descriptor, unblocking any poll waiting on it.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Protect marks a socket so the policy routing for the tun device ignores
// its traffic. Required on every upstream socket, otherwise queries loop
// back through the tunnel.
func (d *Device) Protect(fd int) error {
	if d.mark == 0 {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(d.mark))
}

// AddAddress assigns an address to the tun interface.
func (d *Device) AddAddress(addr netip.Addr, prefixLen int) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return err
	}

	nlAddr, err := netlink.ParseAddr(netip.PrefixFrom(addr, prefixLen).String())
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, nlAddr); err != nil && !os.IsExist(err) {
		return err
	}

	log.Debugf("Assigned %s/%d to %s", addr, prefixLen, d.name)
	return nil
}

// AddDNSServer records a fake DNS address advertised for this session. The
// list feeds the redirect glue and the status API.
func (d *Device) AddDNSServer(addr netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dnsServers = append(d.dnsServers, addr)
	return nil
}

// DNSServers returns the advertised fake DNS addresses.
func (d *Device) DNSServers() []netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]netip.Addr(nil), d.dnsServers...)
}

// AddRoute installs a host route through the tun interface.
func (d *Device) AddRoute(prefix netip.Prefix) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return err
	}

	dst, err := netlink.ParseIPNet(prefix.String())
	if err != nil {
		return err
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
	}
	if err := netlink.RouteAdd(route); err != nil && !os.IsExist(err) {
		return err
	}

	log.Debugf("Added route %s via %s", prefix, d.name)
	return nil
}
