// Package upstream provides the real DNS resolver implementations behind
// the tunnel's fake addresses: plain UDP exchange and DNS-over-HTTPS.
package upstream

import (
	"context"
	"syscall"

	"github.com/miekg/dns"
)

// Upstream represents a real DNS resolver.
type Upstream interface {
	// Query sends a DNS query to the upstream and returns the response.
	Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	// Close closes any resources held by the upstream.
	Close() error
	// String returns a human-readable representation of the upstream.
	String() string
}

// ProtectFunc marks a socket so its traffic bypasses the tunnel. Every
// upstream socket must be protected before use, otherwise its packets loop
// back through the tun device.
type ProtectFunc func(fd int) error

// controlFor adapts a ProtectFunc to the net.Dialer Control signature.
func controlFor(protect ProtectFunc) func(network, address string, c syscall.RawConn) error {
	if protect == nil {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var protectErr error
		if err := c.Control(func(fd uintptr) {
			protectErr = protect(int(fd))
		}); err != nil {
			return err
		}
		return protectErr
	}
}
