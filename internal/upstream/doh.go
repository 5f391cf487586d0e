package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	dohClientTimeout       = 10 * time.Second // Total timeout for DoH requests
	dohIdleConnTimeout     = 30 * time.Second // How long idle connections are kept
	dohMaxIdleConns        = 10               // Maximum idle connections total
	dohMaxIdleConnsPerHost = 5                // Maximum idle connections per host

	dnsMessageContentType = "application/dns-message"

	dohReadBufferSize = 4096
)

// DoHUpstream implements Upstream using DNS-over-HTTPS. The endpoint host
// is dialed through a fixed bootstrap address list instead of the system
// resolver: resolving it normally would go through the very DNS path this
// engine intercepts.
type DoHUpstream struct {
	url    string
	client *http.Client
}

// NewDoHUpstream creates a new DNS-over-HTTPS upstream. Connections are
// dialed to the bootstrap addresses in order and protected through protect
// (either may be nil in tests).
func NewDoHUpstream(urlStr string, bootstrap []netip.Addr, protect ProtectFunc) (*DoHUpstream, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid DoH URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported DoH scheme: %s", u.Scheme)
	}

	dialer := &net.Dialer{
		Timeout: dohClientTimeout,
		Control: controlFor(protect),
	}

	dialContext := dialer.DialContext
	if len(bootstrap) > 0 {
		dialContext = bootstrapDialContext(dialer, bootstrap)
	}

	return &DoHUpstream{
		url: urlStr,
		client: &http.Client{
			Timeout: dohClientTimeout,
			Transport: &http.Transport{
				DialContext: dialContext,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        dohMaxIdleConns,
				IdleConnTimeout:     dohIdleConnTimeout,
				DisableCompression:  true,
				MaxIdleConnsPerHost: dohMaxIdleConnsPerHost,
			},
		},
	}, nil
}

// bootstrapDialContext replaces the endpoint hostname with each bootstrap
// address in turn, keeping the original port. TLS verification still runs
// against the hostname, so a lying bootstrap server cannot impersonate the
// endpoint.
func bootstrapDialContext(dialer *net.Dialer, bootstrap []netip.Addr) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		var lastErr error
		for _, ip := range bootstrap {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			log.Debugf("Bootstrap dial via %s failed: %v", ip, err)
			lastErr = err
		}
		return nil, fmt.Errorf("all bootstrap addresses failed: %w", lastErr)
	}
}

// Query sends a DNS query to the DoH upstream as a wire-format POST.
func (d *DoHUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	packed, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, strings.NewReader(string(packed)))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", dnsMessageContentType)
	httpReq.Header.Set("Accept", dnsMessageContentType)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("DoH request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH request failed with status: %d", resp.StatusCode)
	}

	var body []byte
	buf := make([]byte, dohReadBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	dnsResp := new(dns.Msg)
	if err := dnsResp.Unpack(body); err != nil {
		return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
	}

	return dnsResp, nil
}

// Close closes any resources held by the upstream.
func (d *DoHUpstream) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *DoHUpstream) String() string {
	return fmt.Sprintf("doh://%s", strings.TrimPrefix(d.url, "https://"))
}
