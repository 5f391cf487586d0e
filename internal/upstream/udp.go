package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	defaultDNSPort = "53"

	// Shorter than the usual context timeout to avoid races
	udpClientTimeout = 3 * time.Second
)

// UDPUpstream implements Upstream using plain UDP DNS.
type UDPUpstream struct {
	address string
	client  *dns.Client
}

// NewUDPUpstream creates a new UDP DNS upstream. The port defaults to 53.
// Sockets are protected through protect (may be nil in tests).
func NewUDPUpstream(address string, protect ProtectFunc) (*UDPUpstream, error) {
	host := address
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultDNSPort)
		if _, _, err := net.SplitHostPort(host); err != nil {
			return nil, fmt.Errorf("invalid UDP address: %w", err)
		}
	}

	return &UDPUpstream{
		address: host,
		client: &dns.Client{
			Net:     "udp",
			Timeout: udpClientTimeout,
			Dialer: &net.Dialer{
				Timeout: udpClientTimeout,
				Control: controlFor(protect),
			},
		},
	}, nil
}

// Query sends a DNS query to the UDP upstream.
func (u *UDPUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	queryInfo := "unknown"
	if len(req.Question) > 0 {
		q := req.Question[0]
		queryInfo = fmt.Sprintf("%s %s", q.Name, dns.TypeToString[q.Qtype])
	}

	log.Debugf("[%04x] Querying upstream %s for %s", req.Id, u, queryInfo)

	resp, _, err := u.client.ExchangeContext(ctx, req, u.address)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			log.Warnf("[%04x] Upstream timeout (context) for query: %s (upstream: %s)", req.Id, queryInfo, u)
		} else {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Debugf("[%04x] Upstream timeout (network) for query: %s (upstream: %s)", req.Id, queryInfo, u)
			} else {
				log.Debugf("[%04x] Upstream error for query %s (upstream: %s): %v", req.Id, queryInfo, u, err)
			}
		}
		return nil, err
	}
	return resp, nil
}

// Close closes any resources held by the upstream.
func (u *UDPUpstream) Close() error {
	return nil
}

func (u *UDPUpstream) String() string {
	return fmt.Sprintf("udp://%s", u.address)
}
